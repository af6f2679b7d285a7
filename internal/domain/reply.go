package domain

import (
	"errors"
	"fmt"
	"time"
)

// ReplyState is the processing state of a queued reply.
type ReplyState string

const (
	ReplyQueued  ReplyState = "queued"
	ReplySending ReplyState = "sending"
	ReplySent    ReplyState = "sent"
	ReplyFailed  ReplyState = "failed"
	ReplyDead    ReplyState = "dead"
)

// Active reports whether a job in this state is still being worked on.
func (s ReplyState) Active() bool {
	return s == ReplyQueued || s == ReplySending || s == ReplyFailed
}

// ReplyJob is the persisted intent to deliver a chat reply to the review
// source. The queue is keyed by ReviewID.
type ReplyJob struct {
	ID            string     `json:"id"              gorm:"type:char(36);primaryKey"`
	AppID         string     `json:"app_id"          gorm:"not null;index"`
	ReviewID      string     `json:"review_id"       gorm:"not null;uniqueIndex"`
	Text          string     `json:"text"            gorm:"not null"`
	ChatEventID   string     `json:"chat_event_id"   gorm:"not null"`
	ChatRoomID    string     `json:"chat_room_id"    gorm:"not null"`
	SenderID      string     `json:"sender_id"       gorm:"not null"`
	State         ReplyState `json:"state"           gorm:"not null;index"`
	Attempts      int        `json:"attempts"        gorm:"not null"`
	NextAttemptAt time.Time  `json:"next_attempt_at" gorm:"not null"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ReplyJob.
func (ReplyJob) TableName() string { return "reply_queue" }

// ReplyStateCount is one row of the per-app, per-state aggregation over the
// reply queue.
type ReplyStateCount struct {
	AppID string
	State ReplyState
	Count int64
}

// ErrTransientDelivery marks a collaborator failure worth retrying.
var ErrTransientDelivery = errors.New("transient delivery error")

// PermanentError wraps a collaborator failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transient wraps err so that errors.Is(err, ErrTransientDelivery) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientDelivery, err)
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
