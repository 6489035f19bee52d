// Package scheduler runs the recurring delivery loop: pick up due scheduled
// messages, obtain an authenticated handle per message, send, and record the
// terminal outcome.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/armandaspatt/slack-scheduler/internal/core"
	"github.com/armandaspatt/slack-scheduler/internal/metrics"
	"github.com/armandaspatt/slack-scheduler/internal/slack"
	"golang.org/x/time/rate"
)

// DeliveryStore is the persistence surface the scheduler needs. Only the
// scheduler transitions delivery rows out of pending.
type DeliveryStore interface {
	SelectDue(ctx context.Context, now time.Time) ([]core.Delivery, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, code string) error
}

// HandleSource yields an authenticated Slack handle for a user. In production
// this is the auth.Manager.
type HandleSource interface {
	Acquire(ctx context.Context, userID string) (slack.Handle, error)
}

type Options struct {
	PollInterval time.Duration // gap between cycles
	Concurrency  int           // sender goroutines per cycle
	SendTimeout  time.Duration // per-send bound
	SlackQPS     float64       // sustained provider rate
	SlackBurst   int
}

type Scheduler struct {
	store   DeliveryStore
	handles HandleSource
	limiter *rate.Limiter
	opt     Options
}

func New(store DeliveryStore, handles HandleSource, opt Options) *Scheduler {
	if opt.PollInterval <= 0 {
		opt.PollInterval = time.Minute
	}
	if opt.Concurrency < 1 {
		opt.Concurrency = 8
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 10 * time.Second
	}
	if opt.SlackQPS <= 0 {
		opt.SlackQPS = 1 // chat.postMessage is one-per-second per channel
	}
	if opt.SlackBurst < 1 {
		opt.SlackBurst = 5
	}
	return &Scheduler{
		store:   store,
		handles: handles,
		limiter: rate.NewLimiter(rate.Limit(opt.SlackQPS), opt.SlackBurst),
		opt:     opt,
	}
}

// Run polls every PollInterval until ctx is cancelled. The loop body blocks
// on the cycle, so a new cycle never starts while the previous one is still
// working through its batch.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.opt.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.RunOnce(ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
				// Cycle aborted; next tick retries from a clean read.
				log.Printf("scheduler: cycle aborted: %v", err)
			}
		}
	}
}

// RunOnce executes a single polling cycle against the given reference time.
// Every due pending delivery leaves the cycle in exactly one of sent/failed;
// a failure on one delivery never stops the others.
//
// Delivery is at-least-once: a crash after the Slack send but before the
// status commit leaves the row pending, and the next cycle sends it again.
//
// Cancelling ctx stops new rows from starting; rows already in flight drain
// to sent or failed before RunOnce returns, so a clean shutdown never tears
// down a half-done send.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	due, err := s.store.SelectDue(ctx, now)
	if err != nil {
		metrics.CycleTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.DueBatchSize.Observe(float64(len(due)))
	if len(due) == 0 {
		metrics.CycleTotal.WithLabelValues("empty").Inc()
		return nil
	}

	jobs := make(chan core.Delivery)
	var wg sync.WaitGroup
	wg.Add(s.opt.Concurrency)
	for i := 0; i < s.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				s.deliver(ctx, d)
			}
		}()
	}
	for _, d := range due {
		jobs <- d
	}
	close(jobs)
	wg.Wait()

	metrics.CycleTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Scheduler) deliver(ctx context.Context, d core.Delivery) {
	if ctx.Err() != nil {
		// Shutting down before this row started: leave it pending.
		return
	}
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	// From here the row drains to its terminal state even if shutdown
	// races it; only rows that never started stay pending. Aborting a
	// half-done send would leave it pending and re-send it on restart.
	dctx := context.WithoutCancel(ctx)

	h, err := s.handles.Acquire(dctx, d.UserID)
	if err != nil {
		s.fail(dctx, d, err)
		return
	}

	if err := s.limiter.Wait(dctx); err != nil {
		s.fail(dctx, d, err)
		return
	}

	cctx, cancel := context.WithTimeout(dctx, s.opt.SendTimeout)
	start := time.Now()
	err = h.PostMessage(cctx, d.Channel, d.Body)
	cancel()
	metrics.SlackSendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.fail(dctx, d, err)
		return
	}

	metrics.SlackSendTotal.WithLabelValues("sent").Inc()
	if err := s.store.MarkSent(dctx, d.ID); err != nil {
		log.Printf("scheduler: mark sent %d: %v", d.ID, err)
	}
}

func (s *Scheduler) fail(ctx context.Context, d core.Delivery, cause error) {
	code := failureCode(cause)
	if code == "timeout" {
		metrics.SlackSendTotal.WithLabelValues("timeout").Inc()
	} else {
		metrics.SlackSendTotal.WithLabelValues("failed").Inc()
	}
	log.Printf("scheduler: delivery %d to %s failed (%s): %v", d.ID, d.Channel, code, cause)
	if err := s.store.MarkFailed(ctx, d.ID, code); err != nil {
		log.Printf("scheduler: mark failed %d: %v", d.ID, err)
	}
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, core.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, core.ErrRenewalFailed):
		return "renewal_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "send_failed"
	}
}
