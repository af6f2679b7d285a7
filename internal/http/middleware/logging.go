// Package middleware contains the Gin middleware of the bridge's ops API.
//
// This file provides request correlation, the access log and panic recovery:
//
//   - RequestID propagates X-Request-ID or generates one.
//   - AccessLog attaches a request-scoped zerolog.Logger and emits one
//     structured line per request with sensitive values scrubbed.
//   - Recovery converts panics into the JSON error envelope.
//
// Install them in that order so panics are logged with the correlation ID.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	loggerKey         = "logger"
	maxQueryLogLength = 2048
)

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RedactOptions configures AccessLog scrubbing.
//
// MaskHeaders lists extra header names whose values are replaced with
// "[REDACTED]". Authorization, Cookie and Set-Cookie are always masked.
type RedactOptions struct {
	MaskHeaders []string
}

var (
	// E-mail addresses are redacted before chat ids (@user:server,
	// !room:server, $event) so an address never loses only its domain.
	chatIDRE = regexp.MustCompile(`[@!$][A-Za-z0-9._=\-/+]+(?::[A-Za-z0-9.\-]+(?::\d+)?)?`)
	emailRE  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	tokenRE  = regexp.MustCompile(`(?i)((?:access_)?token=)[^&]+`)
)

// Redact scrubs chat identifiers, e-mail addresses and token query
// parameters from s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = tokenRE.ReplaceAllString(s, "${1}[REDACTED]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return chatIDRE.ReplaceAllString(s, "[REDACTED:id]")
}

// AccessLog writes a structured access log for each request. The
// request-scoped logger derived from base is available to handlers through
// LoggerFrom. Request bodies are never logged.
//
// Level follows the outcome: error for 5xx or gin errors, warn for 4xx,
// info otherwise.
func AccessLog(base zerolog.Logger, opts RedactOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid, _ := c.Get(requestIDKey)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = Redact(strings.Join(vv, ", "))
		}

		l := base.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= http.StatusInternalServerError:
			ev = l.Error()
		case status >= http.StatusBadRequest:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.Str("query", truncate(Redact(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

// Recovery intercepts panics, logs the stack and answers with a JSON 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid, _ := c.Get(requestIDKey)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, asString(rid))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": asString(rid),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// AccessLog is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
