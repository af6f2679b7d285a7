package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func newEngine(buf *bytes.Buffer, mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), AccessLog(zerolog.New(buf), RedactOptions{MaskHeaders: []string{"X-Gateway-Token"}}), Recovery())
	r.Use(mw...)
	return r
}

func TestRequestID_PropagatesOrGenerates(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(&buf)
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(requestIDKey)) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "rid-1")
	r.ServeHTTP(w, req)
	if w.Header().Get(requestIDHeader) != "rid-1" || w.Body.String() != "rid-1" {
		t.Fatalf("propagated id: header=%q body=%q", w.Header().Get(requestIDHeader), w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if len(w.Header().Get(requestIDHeader)) != 36 {
		t.Fatalf("generated id = %q", w.Header().Get(requestIDHeader))
	}
}

func TestAccessLog_RedactsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(&buf)
	r.GET("/api/v1/apps/:id/reviews", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.Status(http.StatusOK)
	})
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/apps/com.example/reviews?user=%40bob:hs.org&token=tok3n-s3cr3t&mail=jane@example.com", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Gateway-Token", "g")
	req.Header.Set("X-Sender", "@alice:example.org")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d: %s", len(lines), buf.String())
	}
	var inside, access, miss map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &inside)
	_ = json.Unmarshal([]byte(lines[1]), &access)
	_ = json.Unmarshal([]byte(lines[2]), &miss)

	if inside["path"] != "/api/v1/apps/:id/reviews" || inside["request_id"] == "" {
		t.Fatalf("request-scoped logger fields missing: %v", inside)
	}
	out := lines[1]
	for _, leak := range []string{"secret", "tok3n-s3cr3t", "jane@example.com", "@alice:example.org"} {
		if strings.Contains(out, leak) {
			t.Fatalf("access log leaked %q: %s", leak, out)
		}
	}
	headers, _ := access["headers"].(map[string]any)
	if headers["Authorization"] != "[REDACTED]" || headers["X-Gateway-Token"] != "[REDACTED]" {
		t.Fatalf("headers not masked: %v", headers)
	}
	if access["level"] != "info" || miss["level"] != "warn" {
		t.Fatalf("levels: %v / %v", access["level"], miss["level"])
	}
}

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"sender=@alice:hs.org":    "sender=[REDACTED:id]",
		"room !abc:hs.org:8448":   "room [REDACTED:id]",
		"mail bob@example.com":    "mail [REDACTED:email]",
		"access_token=xyz&page=2": "access_token=[REDACTED]&page=2",
		"page=2&page_size=20":     "page=2&page_size=20",
	}
	for in, want := range cases {
		if got := Redact(in); got != want {
			t.Fatalf("Redact(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecovery_JSONEnvelope(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(&buf)
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(requestIDHeader, "rid-panic")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != "rid-panic" {
		t.Fatalf("body = %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}
