package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"trade-sniper/internal/domain"
	"trade-sniper/pkg/logger"
)

// ChannelConfig sets the pacing for one channel. When MaxSpacing is greater
// than MinSpacing, each gap is drawn uniformly from [MinSpacing, MaxSpacing]
// so repeated operations do not land on a fixed cadence.
type ChannelConfig struct {
	MinSpacing time.Duration
	MaxSpacing time.Duration
}

type task struct {
	ctx  context.Context
	op   func() error
	done chan error
}

type channelWorker struct {
	cfg   ChannelConfig
	queue chan task
}

// Limiter serializes operations per logical channel with a minimum gap
// between the completion of one operation and the start of the next. The
// limiter itself never fails: only the wrapped operation's error (or the
// caller's context error) is returned.
type Limiter struct {
	workers map[domain.Channel]*channelWorker
	log     logger.Logger
}

func New(configs map[domain.Channel]ChannelConfig, log logger.Logger) *Limiter {
	l := &Limiter{
		workers: make(map[domain.Channel]*channelWorker),
		log:     log,
	}
	for ch, cfg := range configs {
		w := &channelWorker{
			cfg:   cfg,
			queue: make(chan task, 256),
		}
		l.workers[ch] = w
		go l.run(ch, w)
	}
	return l
}

// Schedule submits op to the channel's queue and blocks until it has run.
// Submission order is execution order. If ctx is cancelled while the
// operation is still queued, it never runs.
func (l *Limiter) Schedule(ctx context.Context, channel domain.Channel, op func() error) error {
	w, ok := l.workers[channel]
	if !ok {
		return fmt.Errorf("ratelimit: unknown channel %q", channel)
	}

	t := task{ctx: ctx, op: op, done: make(chan error, 1)}
	select {
	case w.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) run(channel domain.Channel, w *channelWorker) {
	var lastDone time.Time

	for t := range w.queue {
		if t.ctx.Err() != nil {
			t.done <- t.ctx.Err()
			continue
		}

		if !lastDone.IsZero() {
			gap := w.cfg.MinSpacing
			if w.cfg.MaxSpacing > w.cfg.MinSpacing {
				gap += time.Duration(rand.Int63n(int64(w.cfg.MaxSpacing - w.cfg.MinSpacing)))
			}
			if wait := gap - time.Since(lastDone); wait > 0 {
				time.Sleep(wait)
			}
		}

		// Re-check after the pacing sleep: the caller may have given up.
		if t.ctx.Err() != nil {
			t.done <- t.ctx.Err()
			continue
		}

		err := t.op()
		lastDone = time.Now()
		if err != nil {
			l.log.Debug("Rate-limited operation failed", "channel", channel, "error", err)
		}
		t.done <- err
	}
}
