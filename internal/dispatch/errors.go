package dispatch

import (
	"errors"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

var (
	// ErrDuplicateReply is returned when the review already has a delivered
	// reply.
	ErrDuplicateReply = errors.New("reply already delivered for review")
	// ErrReplyInFlight is returned when a reply for the review is queued,
	// sending or waiting for a retry.
	ErrReplyInFlight = errors.New("reply already in flight for review")
	// ErrInvalidReply is returned for requests missing a required field.
	ErrInvalidReply = errors.New("invalid reply request")
)

// ErrTransientDelivery marks collaborator failures worth retrying.
var ErrTransientDelivery = domain.ErrTransientDelivery

// PermanentError wraps a collaborator failure that must not be retried.
type PermanentError = domain.PermanentError

// Permanent wraps err as a PermanentError.
func Permanent(err error) error { return domain.Permanent(err) }

// Transient wraps err so that errors.Is(err, ErrTransientDelivery) holds.
func Transient(err error) error { return domain.Transient(err) }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return domain.IsPermanent(err) }
