package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetentionOptions configures the user mapping janitor.
type RetentionOptions struct {
	// Inactivity is how long a puppet may stay idle before its mapping is
	// removed. Zero disables the janitor.
	Inactivity time.Duration
	// Interval between sweeps. Defaults to one hour.
	Interval time.Duration
}

// Cleaner removes stale user mappings.
type Cleaner interface {
	CleanupInactiveUsers(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Janitor periodically removes user mappings that have been inactive for
// longer than the configured retention.
type Janitor struct {
	cleaner Cleaner
	opts    RetentionOptions
	log     zerolog.Logger
}

// NewJanitor returns a Janitor. It is a suture.Service.
func NewJanitor(c Cleaner, opts RetentionOptions, log zerolog.Logger) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Janitor{cleaner: c, opts: opts, log: log.With().Str("component", "janitor").Logger()}
}

// Serve sweeps on every interval until ctx is done.
func (j *Janitor) Serve(ctx context.Context) error {
	if j.opts.Inactivity <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(j.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass and returns the number of removed mappings.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	n, err := j.cleaner.CleanupInactiveUsers(ctx, j.opts.Inactivity)
	if err != nil {
		j.log.Error().Err(err).Msg("user mapping cleanup failed")
		return 0
	}
	if n > 0 {
		j.log.Info().Int64("deleted", n).Dur("inactivity", j.opts.Inactivity).Msg("inactive user mappings removed")
	}
	return n
}

func (j *Janitor) String() string { return "retention-janitor" }
