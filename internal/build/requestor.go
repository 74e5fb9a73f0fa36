package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var logger = slog.Default()

func InitLogger(l *slog.Logger) {
	logger = l
}

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 120 * time.Second
)

// ErrInvalidRequest is returned when a request lacks a target or release.
var ErrInvalidRequest = errors.New("build request needs a target and release")

// Service is the remote build backend. *Client implements it.
type Service interface {
	RequestBuild(ctx context.Context, r Request) (Response, error)
	Status(ctx context.Context, key string) (Status, error)
	Download(ctx context.Context, location string) ([]byte, error)
}

type logLocator interface {
	LogURL(key string) string
}

// Ticker drives the poll loop.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type timeTicker struct {
	*time.Ticker
}

func (t timeTicker) Chan() <-chan time.Time { return t.C }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}

// Option configures a Requestor.
type Option func(*Requestor)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(r *Requestor) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithTimeout sets the initial wait budget before the service reports its own.
func WithTimeout(d time.Duration) Option {
	return func(r *Requestor) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithTicker replaces the ticker constructor.
func WithTicker(f func(time.Duration) Ticker) Option {
	return func(r *Requestor) {
		if f != nil {
			r.newTicker = f
		}
	}
}

// Requestor submits build jobs and polls them to a terminal state. One job
// runs at a time.
type Requestor struct {
	service   Service
	interval  time.Duration
	timeout   time.Duration
	newTicker func(time.Duration) Ticker
	running   atomic.Bool
}

func NewRequestor(s Service, opts ...Option) *Requestor {
	r := &Requestor{
		service:   s,
		interval:  DefaultInterval,
		timeout:   DefaultTimeout,
		newTicker: newTimeTicker,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether a job is in flight.
func (r *Requestor) Running() bool {
	return r.running.Load()
}

// Run submits req and blocks until the job is terminal. Cancelling ctx
// cancels the job at the next tick. Events are sent on events, which Run
// closes before returning; a nil channel disables events. The returned
// error is only set when the job could not start.
func (r *Requestor) Run(ctx context.Context, req Request, events chan<- Event) (Result, error) {
	if req.Target == "" || req.Release == "" {
		closeEvents(events)
		return Result{State: StateIdle}, ErrInvalidRequest
	}
	if !r.running.CompareAndSwap(false, true) {
		closeEvents(events)
		return Result{State: StateIdle}, ErrBusy
	}
	defer r.running.Store(false)
	defer closeEvents(events)

	j := &job{
		r:      r,
		req:    req,
		events: events,
		start:  time.Now(),
		res: Result{
			State:     StateIdle,
			RequestID: uuid.NewString(),
		},
	}
	return j.run(WithRequestID(ctx, j.res.RequestID)), nil
}

func closeEvents(events chan<- Event) {
	if events != nil {
		close(events)
	}
}

type job struct {
	r        *Requestor
	req      Request
	events   chan<- Event
	start    time.Time
	progress float64
	res      Result
}

func (j *job) run(ctx context.Context) Result {
	j.transition(StateRequested, "requesting build")
	logger.Info("build requested", "target", j.req.Target, "release", j.req.Release, "request_id", j.res.RequestID)

	resp, err := j.r.service.RequestBuild(ctx, j.req)
	if err != nil {
		if ctx.Err() != nil {
			return j.finish(StateCancelled, "build cancelled")
		}
		logger.Error("build request failed", "target", j.req.Target, "error", err)
		return j.finish(StateFailure, fmt.Sprintf("build request failed: %v", err))
	}
	j.res.File = resp.File

	if resp.Key == "" {
		return j.succeed(ctx, resp, nil, false)
	}

	j.res.Key = resp.Key
	if l, ok := j.r.service.(logLocator); ok {
		j.res.LogURL = l.LogURL(resp.Key)
	}
	j.transition(StateQueued, "build queued")

	st, err := j.r.service.Status(ctx, resp.Key)
	switch {
	case err != nil:
		logger.Warn("initial build status failed", "key", resp.Key, "error", err)
	case st.Status == "success":
		return j.succeed(ctx, resp, st.Configuration, true)
	}
	return j.poll(ctx, resp)
}

func (j *job) poll(ctx context.Context, resp Response) Result {
	ticker := j.r.newTicker(j.r.interval)
	defer ticker.Stop()

	retries := 1
	processing := false
	timeout := j.r.timeout

	for {
		select {
		case <-ctx.Done():
			return j.finish(StateCancelled, "build cancelled")
		case <-ticker.Chan():
		}

		retries++
		st, err := j.r.service.Status(ctx, resp.Key)
		if err == nil && st.TimeOut != nil {
			if !processing {
				processing = true
				retries = 1
				j.res.State = StateProcessing
			}
			timeout = time.Duration(*st.TimeOut) * time.Second
		}
		budget := float64(timeout) / float64(j.r.interval)

		switch {
		case ctx.Err() != nil:
			return j.finish(StateCancelled, "build cancelled")
		case float64(retries) > budget:
			logger.Warn("build timed out", "key", resp.Key, "retries", retries)
			return j.finish(StateTimedOut, "build timed out")
		case err != nil:
			logger.Warn("polling build status failed", "key", resp.Key, "error", err)
		case st.Status == "success":
			return j.succeed(ctx, resp, st.Configuration, false)
		case st.Status != "queued":
			return j.finish(StateFailure, fmt.Sprintf("build failed: %s", st.Status))
		}

		j.progress = clamp(float64(retries) / budget * 100)
		j.emit(Event{State: j.res.State, Key: j.res.Key, Progress: j.progress, Message: "waiting for build"})
	}
}

func (j *job) succeed(ctx context.Context, resp Response, cfg json.RawMessage, cached bool) Result {
	data, err := j.r.service.Download(ctx, resp.URL)
	if err != nil {
		if ctx.Err() != nil {
			return j.finish(StateCancelled, "build cancelled")
		}
		logger.Error("artifact download failed", "url", resp.URL, "error", err)
		return j.finish(StateFailure, fmt.Sprintf("artifact download failed: %v", err))
	}
	j.res.Artifact = data
	j.res.Configuration = cfg
	j.res.Cached = cached
	j.progress = 100
	msg := "build succeeded"
	if cached {
		msg = "build succeeded (cached)"
	}
	return j.finish(StateSuccess, msg)
}

func (j *job) transition(s State, msg string) {
	j.res.State = s
	j.emit(Event{State: s, Key: j.res.Key, Progress: j.progress, Message: msg})
}

func (j *job) finish(s State, reason string) Result {
	j.res.Reason = reason
	j.res.Elapsed = time.Since(j.start)
	j.transition(s, reason)
	logger.Info("build finished", "state", s, "key", j.res.Key, "elapsed", j.res.Elapsed)
	return j.res
}

func (j *job) emit(e Event) {
	if j.events != nil {
		j.events <- e
	}
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
