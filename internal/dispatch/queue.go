// Package dispatch delivers chat replies back to the review source.
//
// Every reply becomes a persisted job keyed by review id. A single worker
// moves jobs through queued -> sending -> sent; transient failures go to
// failed and return to queued once their backoff delay has passed, until
// the policy's attempt budget is spent and the job is dead. Permanent
// failures are dead at once. Dead jobs post a failure notice to the
// originating chat room.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/play-review-bridge/internal/backoff"
	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
)

// ReplySender posts a developer reply to the review source.
type ReplySender interface {
	SendReply(ctx context.Context, appID, reviewID, text string) error
}

// Notifier posts bridge notices into a chat room.
type Notifier interface {
	SendNotice(ctx context.Context, roomID, text string) (string, error)
}

// Mappings is the subset of the mapping service the queue needs.
type Mappings interface {
	HasReplyMapping(ctx context.Context, reviewID string) (bool, error)
	RecordDispatchedReply(ctx context.Context, reviewID, chatEventID, roomID string) (bool, error)
	RecordNotification(ctx context.Context, reviewID, appID, chatEventID, roomID string) error
	RoomConfigFor(ctx context.Context, roomID string) (domain.RoomConfig, error)
}

// JobStore persists reply jobs. repo.Store satisfies it.
type JobStore interface {
	CreateReplyJob(ctx context.Context, j *domain.ReplyJob) error
	GetReplyJobByReview(ctx context.Context, reviewID string) (*domain.ReplyJob, error)
	UpdateReplyJob(ctx context.Context, j *domain.ReplyJob) error
	ListDueReplyJobs(ctx context.Context, now time.Time, limit int) ([]domain.ReplyJob, error)
	ResetSendingReplyJobs(ctx context.Context, now time.Time) (int64, error)
	CountReplyJobsByState(ctx context.Context) ([]domain.ReplyStateCount, error)
	ListFailedReplyJobs(ctx context.Context) ([]domain.ReplyJob, error)
}

// ReplyRequest is a chat reply to be delivered to a review.
type ReplyRequest struct {
	AppID       string `json:"app_id"`
	ReviewID    string `json:"review_id"`
	Text        string `json:"text"`
	ChatEventID string `json:"chat_event_id"`
	ChatRoomID  string `json:"chat_room_id"`
	SenderID    string `json:"sender_id"`
}

// Transition describes one job state change.
type Transition struct {
	JobID    string
	AppID    string
	ReviewID string
	From     domain.ReplyState // empty for a new job
	To       domain.ReplyState
	Attempt  int
	Err      string
	At       time.Time
}

// AppStats aggregates the reply queue of one app.
type AppStats struct {
	Queued      int64      `json:"queued"`
	Sending     int64      `json:"sending"`
	Sent        int64      `json:"sent"`
	Failed      int64      `json:"failed"`
	Dead        int64      `json:"dead"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// Options configures a Queue. Zero values take the defaults noted.
type Options struct {
	Policy       backoff.Policy // default backoff.Default()
	Limiter      *rate.Limiter  // nil: unlimited
	PollInterval time.Duration  // default 1s
	BatchSize    int            // default 20
	SendTimeout  time.Duration  // default 30s
	Now          func() time.Time
	// OnTransition is called after every persisted state change.
	OnTransition func(Transition)
}

// Queue is the reply dispatch queue.
type Queue struct {
	store    JobStore
	sender   ReplySender
	notifier Notifier
	mappings Mappings
	log      zerolog.Logger
	opts     Options

	runMu sync.Mutex
	wake  chan struct{}
}

// New constructs a Queue. Call Serve (or ProcessDue) to deliver jobs.
func New(store JobStore, sender ReplySender, notifier Notifier, mappings Mappings, log zerolog.Logger, opts Options) *Queue {
	if opts.Policy.MaxAttempts == 0 && opts.Policy.BaseDelay == 0 {
		opts.Policy = backoff.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		store:    store,
		sender:   sender,
		notifier: notifier,
		mappings: mappings,
		log:      log.With().Str("component", "dispatch").Logger(),
		opts:     opts,
		wake:     make(chan struct{}, 1),
	}
}

// QueueReply persists a reply job for the review. It fails with
// ErrDuplicateReply when the review already has a delivered reply and with
// ErrReplyInFlight when a job for it is still active. A dead job is reset
// and queued again.
func (q *Queue) QueueReply(ctx context.Context, req ReplyRequest) (*domain.ReplyJob, error) {
	if req.AppID == "" || req.ReviewID == "" || req.Text == "" || req.ChatEventID == "" || req.ChatRoomID == "" {
		return nil, ErrInvalidReply
	}

	delivered, err := q.mappings.HasReplyMapping(ctx, req.ReviewID)
	if err != nil {
		return nil, fmt.Errorf("check reply mapping: %w", err)
	}
	if delivered {
		return nil, ErrDuplicateReply
	}

	now := q.opts.Now()
	existing, err := q.store.GetReplyJobByReview(ctx, req.ReviewID)
	switch {
	case err == nil:
		return q.requeue(ctx, existing, req, now)
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("load reply job: %w", err)
	}

	j := &domain.ReplyJob{
		ID:            uuid.NewString(),
		AppID:         req.AppID,
		ReviewID:      req.ReviewID,
		Text:          req.Text,
		ChatEventID:   req.ChatEventID,
		ChatRoomID:    req.ChatRoomID,
		SenderID:      req.SenderID,
		State:         domain.ReplyQueued,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.CreateReplyJob(ctx, j); err != nil {
		if errors.Is(err, repo.ErrConstraintViolation) {
			return nil, ErrReplyInFlight
		}
		return nil, fmt.Errorf("create reply job: %w", err)
	}
	q.observe(j, "", "")
	q.log.Info().Str("app_id", j.AppID).Str("review_id", j.ReviewID).Str("job_id", j.ID).Msg("reply queued")
	q.notify()
	return j, nil
}

func (q *Queue) requeue(ctx context.Context, j *domain.ReplyJob, req ReplyRequest, now time.Time) (*domain.ReplyJob, error) {
	switch j.State {
	case domain.ReplySent:
		return nil, ErrDuplicateReply
	case domain.ReplyDead:
	default:
		return nil, ErrReplyInFlight
	}
	j.Text = req.Text
	j.ChatEventID = req.ChatEventID
	j.ChatRoomID = req.ChatRoomID
	j.SenderID = req.SenderID
	j.Attempts = 0
	j.LastError = ""
	j.NextAttemptAt = now
	if err := q.transition(ctx, j, domain.ReplyQueued, nil); err != nil {
		return nil, fmt.Errorf("requeue reply job: %w", err)
	}
	q.log.Info().Str("app_id", j.AppID).Str("review_id", j.ReviewID).Str("job_id", j.ID).Msg("dead reply requeued")
	q.notify()
	return j, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Recover returns jobs left in sending by an interrupted process to the
// queue.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.ResetSendingReplyJobs(ctx, q.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("recover reply jobs: %w", err)
	}
	if n > 0 {
		q.log.Warn().Int64("jobs", n).Msg("requeued replies interrupted while sending")
	}
	return n, nil
}

// Serve recovers interrupted jobs and then delivers due jobs until ctx is
// done. It implements suture.Service.
func (q *Queue) Serve(ctx context.Context) error {
	if _, err := q.Recover(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := q.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			q.log.Error().Err(err).Msg("reply dispatch pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) String() string { return "reply-dispatcher" }

// ProcessDue attempts every due job once and returns how many were
// attempted. Only one pass runs at a time.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	jobs, err := q.store.ListDueReplyJobs(ctx, q.opts.Now(), q.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due replies: %w", err)
	}
	var n int
	for i := range jobs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := q.process(ctx, &jobs[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *Queue) process(ctx context.Context, j *domain.ReplyJob) error {
	if j.State == domain.ReplyFailed {
		if err := q.transition(ctx, j, domain.ReplyQueued, nil); err != nil {
			return err
		}
	}
	if q.opts.Limiter != nil {
		if err := q.opts.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	delivered, err := q.mappings.HasReplyMapping(ctx, j.ReviewID)
	if err != nil {
		return fmt.Errorf("check reply mapping: %w", err)
	}
	if delivered {
		return q.transition(ctx, j, domain.ReplySent, nil)
	}

	j.Attempts++
	if err := q.transition(ctx, j, domain.ReplySending, nil); err != nil {
		return err
	}

	// From here on the job must reach a resting state even if ctx ends.
	bg := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(bg, q.opts.SendTimeout)
	start := time.Now()
	sendErr := q.sender.SendReply(sendCtx, j.AppID, j.ReviewID, j.Text)
	cancel()

	result := "ok"
	if sendErr != nil {
		result = "error"
	}
	replySendDuration.WithLabelValues(j.AppID, result).Observe(time.Since(start).Seconds())

	if sendErr != nil {
		return q.failed(bg, j, sendErr)
	}
	return q.delivered(bg, j)
}

func (q *Queue) delivered(ctx context.Context, j *domain.ReplyJob) error {
	log := q.jobLogger(j)
	recorded, err := q.mappings.RecordDispatchedReply(ctx, j.ReviewID, j.ChatEventID, j.ChatRoomID)
	var cause error
	if err != nil {
		cause = fmt.Errorf("record reply mapping: %w", err)
		log.Error().Err(err).Msg("reply delivered but mapping not recorded")
	} else if !recorded {
		log.Warn().Msg("reply mapping already present")
	}
	if err := q.transition(ctx, j, domain.ReplySent, cause); err != nil {
		return err
	}
	log.Info().Int("attempt", j.Attempts).Msg("reply delivered")

	cfg, err := q.mappings.RoomConfigFor(ctx, j.ChatRoomID)
	if err != nil {
		log.Warn().Err(err).Msg("room config unavailable")
		return nil
	}
	if cfg.NotifyOnReply {
		q.postNotice(ctx, j, fmt.Sprintf("Reply to review %s was published.", j.ReviewID))
	}
	return nil
}

// failed records a failed attempt. Permanent errors and exhausted budgets
// then move the job from failed to dead.
func (q *Queue) failed(ctx context.Context, j *domain.ReplyJob, sendErr error) error {
	log := q.jobLogger(j)
	abandon := IsPermanent(sendErr) || q.opts.Policy.Exhausted(j.Attempts)
	if !abandon {
		j.NextAttemptAt = q.opts.Policy.Next(q.opts.Now(), j.Attempts)
	}
	if err := q.transition(ctx, j, domain.ReplyFailed, sendErr); err != nil {
		return err
	}
	if !abandon {
		log.Warn().Err(sendErr).Int("attempt", j.Attempts).Time("next_attempt_at", j.NextAttemptAt).
			Msg("reply delivery failed; will retry")
		return nil
	}

	if err := q.transition(ctx, j, domain.ReplyDead, nil); err != nil {
		return err
	}
	log.Error().Err(sendErr).Int("attempt", j.Attempts).Bool("permanent", IsPermanent(sendErr)).
		Msg("reply abandoned")
	q.postNotice(ctx, j, fmt.Sprintf("Reply to review %s could not be delivered: %v", j.ReviewID, sendErr))
	return nil
}

// postNotice sends a bridge notice for the job's review and records it as
// a notification mapping. Failures are logged only.
func (q *Queue) postNotice(ctx context.Context, j *domain.ReplyJob, text string) {
	if q.notifier == nil {
		return
	}
	log := q.jobLogger(j)
	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	defer cancel()
	eventID, err := q.notifier.SendNotice(sendCtx, j.ChatRoomID, text)
	if err != nil {
		log.Error().Err(err).Msg("send notice failed")
		return
	}
	if err := q.mappings.RecordNotification(ctx, j.ReviewID, j.AppID, eventID, j.ChatRoomID); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("record notice failed")
	}
}

// transition persists j in state to and reports it.
func (q *Queue) transition(ctx context.Context, j *domain.ReplyJob, to domain.ReplyState, cause error) error {
	from := j.State
	j.State = to
	j.UpdatedAt = q.opts.Now()
	if cause != nil {
		j.LastError = cause.Error()
	}
	if err := q.store.UpdateReplyJob(ctx, j); err != nil {
		return fmt.Errorf("update reply job %s: %w", j.ID, err)
	}
	q.observe(j, from, errString(cause))
	return nil
}

func (q *Queue) observe(j *domain.ReplyJob, from domain.ReplyState, errMsg string) {
	replyTransitions.WithLabelValues(j.AppID, string(from), string(j.State)).Inc()
	if q.opts.OnTransition != nil {
		q.opts.OnTransition(Transition{
			JobID:    j.ID,
			AppID:    j.AppID,
			ReviewID: j.ReviewID,
			From:     from,
			To:       j.State,
			Attempt:  j.Attempts,
			Err:      errMsg,
			At:       j.UpdatedAt,
		})
	}
}

func (q *Queue) jobLogger(j *domain.ReplyJob) zerolog.Logger {
	return q.log.With().Str("app_id", j.AppID).Str("review_id", j.ReviewID).Str("job_id", j.ID).Logger()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// GetAllProcessingStats returns per-app counts by state and the most
// recent error recorded for each app.
func (q *Queue) GetAllProcessingStats(ctx context.Context) (map[string]AppStats, error) {
	counts, err := q.store.CountReplyJobsByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count reply jobs: %w", err)
	}
	out := make(map[string]AppStats)
	for _, c := range counts {
		s := out[c.AppID]
		switch c.State {
		case domain.ReplyQueued:
			s.Queued += c.Count
		case domain.ReplySending:
			s.Sending += c.Count
		case domain.ReplySent:
			s.Sent += c.Count
		case domain.ReplyFailed:
			s.Failed += c.Count
		case domain.ReplyDead:
			s.Dead += c.Count
		}
		out[c.AppID] = s
	}

	failed, err := q.store.ListFailedReplyJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failed reply jobs: %w", err)
	}
	for _, j := range failed {
		s := out[j.AppID]
		if s.LastErrorAt != nil {
			continue
		}
		at := j.UpdatedAt
		s.LastError = j.LastError
		s.LastErrorAt = &at
		out[j.AppID] = s
	}
	return out, nil
}
