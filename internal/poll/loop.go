// Package poll drives the periodic cycles of the penpal processes.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hal9000y/penpal/internal/retry"
)

// Cycle is one unit of polling work. log carries the cycle id.
type Cycle func(ctx context.Context, log *logrus.Entry) error

// Loop runs a cycle, sleeps for the interval plus jitter and repeats until
// the context is canceled or a cycle fails fatally.
type Loop struct {
	interval time.Duration
	jitter   func() time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	fatal    func(err error) bool
	log      *logrus.Entry
}

type Option func(*Loop)

// WithFatal marks errors that stop the loop instead of being logged.
func WithFatal(fn func(err error) bool) Option {
	return func(l *Loop) { l.fatal = fn }
}

func WithJitter(fn func() time.Duration) Option {
	return func(l *Loop) { l.jitter = fn }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = fn }
}

func New(interval time.Duration, log *logrus.Entry, opts ...Option) *Loop {
	l := &Loop{
		interval: interval,
		jitter:   retry.Jitter(0, time.Second),
		sleep:    retry.Sleep,
		fatal:    func(error) bool { return false },
		log:      log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks until ctx is done, returning nil, or until a cycle returns a
// fatal error, which is returned.
func (l *Loop) Run(ctx context.Context, cycle Cycle) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		log := l.log.WithField("cycle", uuid.NewString())
		start := time.Now()

		err := cycle(ctx, log)
		switch {
		case err == nil:
			log.WithField("took", time.Since(start).String()).Debug("cycle done")
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return nil
		case l.fatal(err):
			log.WithError(err).Error("cycle failed, stopping")
			return err
		default:
			log.WithError(err).Error("cycle failed")
		}

		if err := l.sleep(ctx, l.interval+l.jitter()); err != nil {
			return nil
		}
	}
}
