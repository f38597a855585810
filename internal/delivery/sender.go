// Package delivery sends finished video files to a chat.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrPermanent marks delivery errors that retrying cannot fix.
var ErrPermanent = errors.New("delivery: permanent failure")

// Sender sends a local file with a caption to a chat.
type Sender interface {
	SendFile(ctx context.Context, chatID int64, path, caption string) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrying wraps a Sender with a fixed retry policy. Intermediate errors are
// logged; only the final error is returned.
type Retrying struct {
	next     Sender
	attempts int
	backoff  []time.Duration
	sleep    SleepFunc
	logger   *slog.Logger
}

// RetryOption configures a Retrying sender.
type RetryOption func(*Retrying)

// WithSleep replaces the sleep function, mainly for tests.
func WithSleep(fn SleepFunc) RetryOption {
	return func(r *Retrying) {
		r.sleep = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetryOption {
	return func(r *Retrying) {
		r.logger = l
	}
}

// NewRetrying wraps next with three attempts spaced 2s then 4s apart.
func NewRetrying(next Sender, opts ...RetryOption) *Retrying {
	r := &Retrying{
		next:     next,
		attempts: 3,
		backoff:  []time.Duration{2 * time.Second, 4 * time.Second},
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendFile implements Sender.
func (r *Retrying) SendFile(ctx context.Context, chatID int64, path, caption string) error {
	var err error
	for n := 1; n <= r.attempts; n++ {
		err = r.next.SendFile(ctx, chatID, path, caption)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			break
		}

		r.logger.Warn("delivery attempt failed",
			slog.Int64("chat_id", chatID),
			slog.Int("attempt", n),
			slog.String("error", err.Error()),
		)

		if n < r.attempts {
			if serr := r.sleep(ctx, r.backoff[min(n-1, len(r.backoff)-1)]); serr != nil {
				return fmt.Errorf("delivery: cancelled: %w", serr)
			}
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
