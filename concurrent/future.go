package concurrent

import (
	"errors"
	"sync"

	"github.com/fzft/go-netloop/log"
	"go.uber.org/zap"
)

var (
	// ErrCompleted is returned when a promise is completed more than once.
	ErrCompleted = errors.New("promise already completed")

	// ErrCancelled is the failure cause of a cancelled future.
	ErrCancelled = errors.New("future cancelled")
)

type futureState int32

const (
	statePending futureState = iota
	stateSucceeded
	stateFailed
	stateCancelled
)

// Future is a thread-safe single-assignment result container. Listeners
// registered before completion are queued and invoked in registration order
// on the goroutine that completes the future; listeners registered after
// completion are invoked immediately on the registering goroutine.
type Future[V any] struct {
	mu        sync.Mutex
	state     futureState
	value     V
	cause     error
	listeners []func(*Future[V])
	done      chan struct{}
}

// Promise is the write side of a Future.
type Promise[V any] struct {
	f *Future[V]
}

func NewPromise[V any]() *Promise[V] {
	return &Promise[V]{f: &Future[V]{done: make(chan struct{})}}
}

func (p *Promise[V]) Future() *Future[V] { return p.f }

// SetSuccess completes the future with a value. Returns ErrCompleted if the
// future already reached a terminal state.
func (p *Promise[V]) SetSuccess(v V) error {
	return p.f.complete(stateSucceeded, v, nil)
}

// SetFailure completes the future with a failure cause.
func (p *Promise[V]) SetFailure(cause error) error {
	var zero V
	return p.f.complete(stateFailed, zero, cause)
}

// Cancel moves the future to the cancelled terminal state. Cancelling an
// already-completed future is not an error; it reports false.
func (p *Promise[V]) Cancel() bool {
	var zero V
	return p.f.complete(stateCancelled, zero, ErrCancelled) == nil
}

func (f *Future[V]) complete(s futureState, v V, cause error) error {
	f.mu.Lock()
	if f.state != statePending {
		f.mu.Unlock()
		return ErrCompleted
	}
	f.state = s
	f.value = v
	f.cause = cause
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, l := range listeners {
		notifyListener(f, l)
	}
	return nil
}

// notifyListener isolates a listener panic so one failing callback cannot
// prevent the remaining listeners from running.
func notifyListener[V any](f *Future[V], l func(*Future[V])) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Warn("future listener panicked", zap.Any("panic", r))
		}
	}()
	l(f)
}

// AddListener registers a completion callback.
func (f *Future[V]) AddListener(l func(*Future[V])) *Future[V] {
	f.mu.Lock()
	if f.state == statePending {
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()
		return f
	}
	f.mu.Unlock()
	notifyListener(f, l)
	return f
}

// Done is closed once the future reaches a terminal state.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

func (f *Future[V]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != statePending
}

func (f *Future[V]) IsSuccess() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateSucceeded
}

func (f *Future[V]) IsFailed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateFailed
}

func (f *Future[V]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateCancelled
}

// Cause returns the failure cause, or nil if pending or succeeded.
func (f *Future[V]) Cause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

// Value returns the result value; the zero value unless succeeded.
func (f *Future[V]) Value() V {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}
