// Package chat is the bridge's client for the chat network gateway. The
// gateway owns the wire protocol; this package registers puppet users,
// posts rendered reviews and sends bridge notices over its JSON API.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

// FormatFunc returns the rendering format configured for a room.
type FormatFunc func(ctx context.Context, roomID string) string

// Options configures a Gateway.
type Options struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration // default 15s
	PuppetPrefix string        // default "googleplay_"
	HTTPClient   *http.Client
	// RoomFormat selects plain or html rendering per room. Nil renders html.
	RoomFormat FormatFunc
}

// Gateway is an HTTP client for the chat gateway.
type Gateway struct {
	base   string
	token  string
	prefix string
	hc     *http.Client
	format FormatFunc
	log    zerolog.Logger
}

// NewGateway validates opts and returns a client.
func NewGateway(opts Options, log zerolog.Logger) (*Gateway, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("chat: invalid gateway url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.PuppetPrefix == "" {
		opts.PuppetPrefix = "googleplay_"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Gateway{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		token:  opts.Token,
		prefix: opts.PuppetPrefix,
		hc:     hc,
		format: opts.RoomFormat,
		log:    log.With().Str("component", "chat").Logger(),
	}, nil
}

// PuppetLocalpart is the gateway localpart of the puppet for a review.
func (g *Gateway) PuppetLocalpart(reviewID string) string {
	var b strings.Builder
	b.WriteString(g.prefix)
	for _, r := range strings.ToLower(reviewID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// CreatePuppetUser registers (or reuses) the puppet representing a review
// author and returns its user id.
func (g *Gateway) CreatePuppetUser(ctx context.Context, reviewID, authorName string) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	err := g.post(ctx, "/puppets", map[string]any{
		"localpart":    g.PuppetLocalpart(reviewID),
		"display_name": authorName,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("create puppet: %w", err)
	}
	if out.UserID == "" {
		return "", domain.Transient(fmt.Errorf("create puppet: gateway returned no user id"))
	}
	return out.UserID, nil
}

// DeliverReview posts the rendered review into roomID as the review's
// puppet and returns the chat event id.
func (g *Gateway) DeliverReview(ctx context.Context, r *domain.ReviewRecord, roomID string) (string, error) {
	format := ""
	if g.format != nil {
		format = g.format(ctx, roomID)
	}
	msg := RenderReview(r, format)
	body := map[string]any{
		"sender_localpart": g.PuppetLocalpart(r.ReviewID),
		"msgtype":          "m.text",
		"body":             msg.Body,
		"review_id":        r.ReviewID,
	}
	if msg.FormattedBody != "" {
		body["format"] = "org.matrix.custom.html"
		body["formatted_body"] = msg.FormattedBody
	}
	id, err := g.send(ctx, roomID, body)
	if err != nil {
		return "", fmt.Errorf("deliver review %s: %w", r.ReviewID, err)
	}
	return id, nil
}

// SendNotice posts a bridge notice into roomID.
func (g *Gateway) SendNotice(ctx context.Context, roomID, text string) (string, error) {
	id, err := g.send(ctx, roomID, map[string]any{"msgtype": "m.notice", "body": text})
	if err != nil {
		return "", fmt.Errorf("send notice: %w", err)
	}
	return id, nil
}

func (g *Gateway) send(ctx context.Context, roomID string, body map[string]any) (string, error) {
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := g.post(ctx, "/rooms/"+url.PathEscape(roomID)+"/messages", body, &out); err != nil {
		return "", err
	}
	if out.EventID == "" {
		return "", domain.Transient(fmt.Errorf("gateway returned no event id"))
	}
	return out.EventID, nil
}

func (g *Gateway) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return domain.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+path, bytes.NewReader(payload))
	if err != nil {
		return domain.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.hc.Do(req)
	if err != nil {
		return domain.Transient(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		herr := fmt.Errorf("gateway http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		g.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("gateway request failed")
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return domain.Permanent(herr)
		}
		return domain.Transient(herr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.Transient(fmt.Errorf("decode gateway response: %w", err))
	}
	return nil
}
