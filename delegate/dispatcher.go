package delegate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohans/quorumq/breaker"
)

// Breakers is the slice of breaker.Manager the dispatcher needs.
type Breakers interface {
	Allow(ctx context.Context, worker string) (breaker.Permit, error)
	Record(ctx context.Context, p breaker.Permit, success bool) (breaker.Record, error)
}

// Dispatcher sends requests to delegates through their breakers.
type Dispatcher struct {
	breakers  Breakers
	delegates map[string]Delegate
	order     []string
	timeout   time.Duration
}

func NewDispatcher(breakers Breakers, timeout time.Duration, delegates ...Delegate) (*Dispatcher, error) {
	if breakers == nil {
		return nil, errors.New("nil breakers")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("dispatch timeout must be > 0, got %s", timeout)
	}
	d := &Dispatcher{breakers: breakers, delegates: map[string]Delegate{}, timeout: timeout}
	for _, del := range delegates {
		name := del.Name()
		if name == "" {
			return nil, errors.New("delegate without a name")
		}
		if _, dup := d.delegates[name]; dup {
			return nil, fmt.Errorf("duplicate delegate %q", name)
		}
		d.delegates[name] = del
		d.order = append(d.order, name)
	}
	return d, nil
}

// Names lists delegates in registration order.
func (d *Dispatcher) Names() []string { return append([]string(nil), d.order...) }

func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Dispatch invokes one delegate. It always returns an envelope: a blocked
// breaker yields a synthetic error envelope without touching the backend, a
// call that outlives the timeout yields status=timeout, and anything
// malformed yields status=error. Every real invocation's outcome is
// reported to the breaker.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, req Request) Envelope {
	del, ok := d.delegates[name]
	if !ok {
		return errorEnvelope(name, req.TraceID, StatusError, "unknown delegate", 0)
	}
	permit, err := d.breakers.Allow(ctx, name)
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			log.Infow("dispatch short-circuited", "worker", name, "task_id", req.TaskID, "trace_id", req.TraceID)
		} else {
			log.Errorw("breaker check failed", "worker", name, "task_id", req.TaskID, "trace_id", req.TraceID, "err", err)
		}
		return errorEnvelope(name, req.TraceID, StatusError, err.Error(), 0)
	}

	start := time.Now()
	env := d.invoke(ctx, del, req)
	if env.DurationMS == 0 {
		env.DurationMS = time.Since(start).Milliseconds()
	}

	// Record even when the caller's context is done; the backend was hit.
	if _, err := d.breakers.Record(context.WithoutCancel(ctx), permit, env.OK()); err != nil {
		log.Errorw("record breaker outcome", "worker", name, "task_id", req.TaskID, "trace_id", req.TraceID, "err", err)
	}
	log.Infow("delegate finished", "worker", name, "task_id", req.TaskID, "trace_id", req.TraceID,
		"status", env.Status, "decision", env.Decision, "duration_ms", env.DurationMS)
	return env
}

type invokeResult struct {
	env Envelope
	err error
}

func (d *Dispatcher) invoke(ctx context.Context, del Delegate, req Request) Envelope {
	name := del.Name()
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("delegate panic: %v", r)}
			}
		}()
		env, err := del.Invoke(callCtx, req)
		done <- invokeResult{env: env, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		// The backend call is abandoned here; reaping it is the delegate's job.
		return errorEnvelope(name, req.TraceID, StatusTimeout, fmt.Sprintf("no response within %s", d.timeout), d.timeout)
	}
	if res.err != nil {
		if callCtx.Err() != nil {
			return errorEnvelope(name, req.TraceID, StatusTimeout, res.err.Error(), 0)
		}
		return errorEnvelope(name, req.TraceID, StatusError, res.err.Error(), 0)
	}
	env := res.env
	if env.Model == "" {
		env.Model = name
	}
	if env.TraceID == "" {
		env.TraceID = req.TraceID
	}
	if env.Model != name {
		return errorEnvelope(name, req.TraceID, StatusError,
			fmt.Sprintf("%v: model %q from delegate %q", ErrInvalidEnvelope, env.Model, name), env.Duration())
	}
	if err := env.Validate(); err != nil {
		return errorEnvelope(name, req.TraceID, StatusError, err.Error(), env.Duration())
	}
	return env.normalize()
}

// Stream fans req out to every delegate not named in exclude and delivers
// envelopes as they complete. The channel closes after the last one; each
// call is bounded by the dispatcher timeout.
func (d *Dispatcher) Stream(ctx context.Context, req Request, exclude ...string) (<-chan Envelope, int) {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var names []string
	for _, n := range d.order {
		if !skip[n] {
			names = append(names, n)
		}
	}
	out := make(chan Envelope, len(names))
	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			out <- d.Dispatch(ctx, n, req)
		}(n)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, len(names)
}

// Fanout is Stream collected in registration order.
func (d *Dispatcher) Fanout(ctx context.Context, req Request, exclude ...string) []Envelope {
	ch, n := d.Stream(ctx, req, exclude...)
	got := make(map[string]Envelope, n)
	for env := range ch {
		got[env.Model] = env
	}
	out := make([]Envelope, 0, n)
	for _, name := range d.order {
		if env, ok := got[name]; ok {
			out = append(out, env)
		}
	}
	return out
}
