// Package reviewsource adapts the Google Play Developer API to the bridge's
// review source contract: incremental review fetches and developer replies.
package reviewsource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

// maxPageSize is the largest page the reviews endpoint serves.
const maxPageSize = 100

// Options configures the Google Play client.
type Options struct {
	CredentialsFile string
	// Endpoint overrides the API base URL. Must end with "/".
	Endpoint string
	Timeout  time.Duration
	// HTTPClient replaces the authenticated client. Credentials are ignored
	// when set.
	HTTPClient *http.Client
}

// GooglePlay fetches reviews and posts replies through androidpublisher v3.
type GooglePlay struct {
	svc     *androidpublisher.Service
	timeout time.Duration // per request; zero means none
	log     zerolog.Logger
}

func (g *GooglePlay) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

// NewGooglePlay builds a client from opts.
func NewGooglePlay(ctx context.Context, opts Options, log zerolog.Logger) (*GooglePlay, error) {
	var copts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		copts = append(copts, option.WithHTTPClient(opts.HTTPClient))
	case opts.CredentialsFile != "":
		copts = append(copts, option.WithCredentialsFile(opts.CredentialsFile),
			option.WithScopes(androidpublisher.AndroidpublisherScope))
	default:
		copts = append(copts, option.WithScopes(androidpublisher.AndroidpublisherScope))
	}
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := androidpublisher.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher: %w", err)
	}
	return &GooglePlay{
		svc:     svc,
		timeout: opts.Timeout,
		log:     log.With().Str("component", "googleplay").Logger(),
	}, nil
}

// FetchReviews returns the oldest max reviews of appID modified at or
// after since, in ascending LastModifiedAt order. The API lists the most
// recently modified reviews first, so every page back to since is read
// before the oldest are picked. Reviews sharing the last returned timestamp
// are all returned, even past max, since the next window starts at that
// timestamp.
func (g *GooglePlay) FetchReviews(ctx context.Context, appID string, since time.Time, max int) ([]domain.ReviewRecord, error) {
	if max <= 0 {
		return nil, nil
	}
	var (
		out   []domain.ReviewRecord
		token string
	)
pages:
	for {
		rctx, cancel := g.requestCtx(ctx)
		call := g.svc.Reviews.List(appID).MaxResults(maxPageSize).Context(rctx)
		if token != "" {
			call = call.Token(token)
		}
		resp, err := call.Do()
		cancel()
		if err != nil {
			return nil, classify(fmt.Errorf("list reviews %s: %w", appID, err))
		}
		for _, r := range resp.Reviews {
			rec, ok := toRecord(appID, r)
			if !ok {
				continue
			}
			if rec.LastModifiedAt.Before(since) {
				break pages
			}
			out = append(out, rec)
		}
		if resp.TokenPagination == nil || resp.TokenPagination.NextPageToken == "" {
			break
		}
		token = resp.TokenPagination.NextPageToken
	}
	return oldest(out, max), nil
}

// oldest sorts reviews ascending by LastModifiedAt and keeps the first max,
// extended by any reviews tied with the last one kept.
func oldest(reviews []domain.ReviewRecord, max int) []domain.ReviewRecord {
	sort.SliceStable(reviews, func(i, j int) bool {
		return reviews[i].LastModifiedAt.Before(reviews[j].LastModifiedAt)
	})
	if len(reviews) <= max {
		return reviews
	}
	n := max
	for n < len(reviews) && reviews[n].LastModifiedAt.Equal(reviews[max-1].LastModifiedAt) {
		n++
	}
	return reviews[:n]
}

// SendReply publishes a developer reply, replacing any previous one.
func (g *GooglePlay) SendReply(ctx context.Context, appID, reviewID, text string) error {
	rctx, cancel := g.requestCtx(ctx)
	defer cancel()
	_, err := g.svc.Reviews.Reply(appID, reviewID, &androidpublisher.ReviewsReplyRequest{ReplyText: text}).
		Context(rctx).Do()
	if err != nil {
		return classify(fmt.Errorf("reply to review %s: %w", reviewID, err))
	}
	g.log.Debug().Str("app_id", appID).Str("review_id", reviewID).Msg("reply published")
	return nil
}

// classify marks client errors other than 408 and 429 as permanent and
// everything else as transient.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 &&
		gerr.Code != http.StatusRequestTimeout && gerr.Code != http.StatusTooManyRequests {
		return domain.Permanent(err)
	}
	return domain.Transient(err)
}

func toRecord(appID string, r *androidpublisher.Review) (domain.ReviewRecord, bool) {
	if r == nil || r.ReviewId == "" {
		return domain.ReviewRecord{}, false
	}
	rec := domain.ReviewRecord{
		ReviewID:   r.ReviewId,
		AppID:      appID,
		AuthorName: r.AuthorName,
	}
	if rec.AuthorName == "" {
		rec.AuthorName = "A Google Play user"
	}

	var seenUser bool
	for _, c := range r.Comments {
		if c == nil {
			continue
		}
		if uc := c.UserComment; uc != nil {
			at := timestamp(uc.LastModified)
			if !seenUser || at.Before(rec.CreatedAt) {
				rec.CreatedAt = at
			}
			if !seenUser || at.After(rec.LastModifiedAt) {
				rec.LastModifiedAt = at
				rec.Text = strPtr(uc.Text)
				rec.StarRating = int(uc.StarRating)
				rec.LanguageCode = strPtr(uc.ReviewerLanguage)
				rec.Device = strPtr(uc.Device)
				if uc.AndroidOsVersion > 0 {
					rec.OSVersion = strPtr(strconv.FormatInt(uc.AndroidOsVersion, 10))
				}
				if uc.AppVersionCode > 0 {
					v := uc.AppVersionCode
					rec.AppVersionCode = &v
				}
				rec.AppVersionName = strPtr(uc.AppVersionName)
			}
			seenUser = true
		}
		if dc := c.DeveloperComment; dc != nil {
			at := timestamp(dc.LastModified)
			rec.HasReply = true
			rec.ReplyText = strPtr(dc.Text)
			if rec.ReplyCreatedAt == nil || at.Before(*rec.ReplyCreatedAt) {
				t := at
				rec.ReplyCreatedAt = &t
			}
			if rec.ReplyModifiedAt == nil || at.After(*rec.ReplyModifiedAt) {
				t := at
				rec.ReplyModifiedAt = &t
			}
		}
	}
	if !seenUser {
		return domain.ReviewRecord{}, false
	}
	if rec.ReplyModifiedAt != nil && rec.ReplyModifiedAt.After(rec.LastModifiedAt) {
		rec.LastModifiedAt = *rec.ReplyModifiedAt
	}
	return rec, true
}

func timestamp(ts *androidpublisher.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return time.Unix(ts.Seconds, ts.Nanos).UTC()
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
