package publishing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postsched/internal/gateway"
	"postsched/internal/post"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

// ErrSessionClosed fails attempts that were still in flight at shutdown.
var ErrSessionClosed = errors.New("publishing: session closed")

// executor drives pending posts through one publish attempt each. Every
// dispatched post is resolved exactly once, whatever happens to its task.
type executor struct {
	s *Service

	mu       sync.Mutex
	session  context.Context
	cancel   context.CancelFunc
	inflight map[string]time.Time
	wg       sync.WaitGroup
}

func newExecutor(s *Service) *executor {
	return &executor{s: s, inflight: make(map[string]time.Time)}
}

func (e *executor) open(parent context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session, e.cancel = context.WithCancel(parent)
}

// opened reports whether Start has opened a session, closed or not.
func (e *executor) opened() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

func (e *executor) inFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *executor) dispatch(p post.Post) {
	now := e.s.clk.Now()
	e.mu.Lock()
	session := e.session
	if session == nil || session.Err() != nil {
		e.mu.Unlock()
		e.commitFailure(p.ID, now, ErrSessionClosed)
		return
	}
	e.inflight[p.ID] = now
	e.wg.Add(1)
	e.mu.Unlock()

	timeout := e.s.config().PublishTimeout
	err := e.s.eng.Enqueue(engine.Task{
		ID:      "publish-" + p.ID,
		Name:    "publish",
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			return e.attempt(session, ctx, p, timeout)
		},
		OnDone: func(r engine.Result) { e.resolve(p.ID, r.Err) },
	})
	if err != nil {
		e.resolve(p.ID, err)
	}
}

// attempt calls the publisher and waits at most timeout on the service
// clock, even if the publisher ignores its context.
func (e *executor) attempt(session, taskCtx context.Context, p post.Post, timeout time.Duration) error {
	if session.Err() != nil {
		return ErrSessionClosed
	}
	ctx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	stop := context.AfterFunc(session, cancel)
	defer stop()

	timer := e.s.clk.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("publisher panic: %v", r)
			}
		}()
		done <- e.s.pub.Publish(ctx, p)
	}()

	select {
	case err := <-done:
		if err != nil && session.Err() != nil {
			return ErrSessionClosed
		}
		return err
	case <-timer.C():
		return gateway.Timeout(nil)
	case <-ctx.Done():
		if session.Err() != nil || errors.Is(taskCtx.Err(), context.Canceled) {
			return ErrSessionClosed
		}
		return gateway.Timeout(taskCtx.Err())
	}
}

// resolve commits the outcome of id's attempt. Only the first call for a
// dispatched post has any effect.
func (e *executor) resolve(id string, err error) {
	e.mu.Lock()
	started, ok := e.inflight[id]
	delete(e.inflight, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	defer e.wg.Done()

	if err != nil {
		e.commitFailure(id, started, err)
		return
	}
	now := e.s.clk.Now()
	p, uerr := e.s.reg.Update(id, post.MarkPublished(now))
	if uerr != nil {
		e.s.log.Error("commit publish failed", logx.String("post", id), logx.Err(uerr))
		return
	}
	e.s.metrics.observePublish("ok", now.Sub(started))
	e.s.log.Info("post published", logx.String("post", id), logx.Time("published_at", p.PublishedAt))
	e.s.trk.start(id)
}

func (e *executor) commitFailure(id string, started time.Time, err error) {
	reason := failureReason(err)
	if _, uerr := e.s.reg.Update(id, post.MarkFailed(reason)); uerr != nil {
		e.s.log.Error("commit failure failed", logx.String("post", id), logx.String("reason", reason), logx.Err(uerr))
		return
	}
	e.s.metrics.observePublish(failureKind(err), e.s.clk.Now().Sub(started))
	e.s.log.Warn("post failed", logx.String("post", id), logx.String("reason", reason), logx.Err(err))
}

// close cancels every attempt and waits (bounded by ctx) for them to
// resolve. Whatever is still unresolved then is failed with "session closed".
func (e *executor) close(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.resolve(id, ErrSessionClosed)
	}
	e.s.log.Warn("in-flight attempts failed at shutdown", logx.Int("count", len(ids)))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionClosed), errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return "session closed"
	case errors.Is(err, engine.ErrQueueFull):
		return "queue full"
	case errors.Is(err, engine.ErrStale):
		return "queue delay exceeded"
	case errors.Is(err, engine.ErrDisabled):
		return "task engine disabled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return gateway.Reason(err)
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrSessionClosed), errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return "session_closed"
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStale), errors.Is(err, engine.ErrDisabled):
		return "engine"
	}
	return gateway.Kind(err)
}
