package bridge

import (
	"context"
	"time"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

// ReviewSource is the app store side of the bridge.
type ReviewSource interface {
	FetchReviews(ctx context.Context, appID string, since time.Time, max int) ([]domain.ReviewRecord, error)
	SendReply(ctx context.Context, appID, reviewID, text string) error
}

// ChatClient is the chat network side of the bridge.
type ChatClient interface {
	DeliverReview(ctx context.Context, review *domain.ReviewRecord, roomID string) (string, error)
	CreatePuppetUser(ctx context.Context, reviewID, authorName string) (string, error)
	SendNotice(ctx context.Context, roomID, text string) (string, error)
}

// IncomingReply is a chat message answering a bridged review.
type IncomingReply struct {
	// EventID is the reply's own chat event id.
	EventID string `json:"event_id"`
	// InReplyTo is the chat event being answered, normally the review
	// message. Empty means EventID itself is resolved.
	InReplyTo string `json:"in_reply_to"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
}
