// Package supervisor owns one streaming connection: it connects, retries with
// bounded backoff, keeps the registry's camera ids subscribed and fans frames
// out to per-event listeners.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/clock"
	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/metrics"
	"skyguard-telemetry/internal/models"
	"skyguard-telemetry/internal/subscription"
	"skyguard-telemetry/internal/transport"
)

var (
	// ErrNoEndpoint is returned by Start when no URL is configured.
	ErrNoEndpoint = errors.New("no endpoint configured")
	// ErrClosed is returned by Start after Teardown.
	ErrClosed = errors.New("supervisor closed")
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Status is a snapshot of the connection.
type Status struct {
	Name      string            `json:"name"`
	State     State             `json:"state"`
	Mode      models.SourceMode `json:"mode"`
	URL       string            `json:"url"`
	Attempt   int               `json:"attempt,omitempty"`
	LastError string            `json:"lastError,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Since     time.Time         `json:"since"`
}

// Connected reports whether the connection is established.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Listener receives frames of one event name.
type Listener func(models.Frame)

// Observer receives status changes.
type Observer func(Status)

// Options configures a Supervisor.
type Options struct {
	Name     string // label for logs and metrics, usually the channel
	Mode     models.SourceMode
	URL      string
	Retry    config.RetryConfig
	Dialer   transport.Dialer
	Registry *subscription.Registry
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

type registration struct {
	id       uint64
	listener Listener
}

type watcher struct {
	id       uint64
	observer Observer
}

// Supervisor drives one connection. Frames are read by a single goroutine and
// dispatched synchronously in arrival order.
type Supervisor struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	status     Status
	started    bool
	conn       transport.Conn
	connCtx    context.Context
	subscribed map[string]struct{}
	listeners  map[string][]registration
	observers  []watcher
	nextID     uint64
	cancel     context.CancelFunc
	done       chan struct{}

	subMu sync.Mutex // serialises subscription syncs
}

// New creates an idle supervisor.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = subscription.NewRegistry(opts.Mode)
	}
	s := &Supervisor{
		opts:       opts,
		logger:     opts.Logger.With(zap.String("channel", opts.Name), zap.String("mode", string(opts.Mode))),
		listeners:  make(map[string][]registration),
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	s.status = Status{Name: opts.Name, State: StateIdle, Mode: opts.Mode, URL: opts.URL, Since: opts.Clock.Now()}
	return s
}

// Start begins connecting in the background. It returns ErrNoEndpoint
// without any attempt when the URL is empty; the state then stays idle.
// Calling Start on a running supervisor is a no-op.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.status.State == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opts.URL == "" {
		s.mu.Unlock()
		s.logger.Error("Socket URL is missing, staying disconnected")
		return ErrNoEndpoint
	}
	if s.opts.Dialer == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor %s: no dialer", s.opts.Name)
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Teardown removes all listeners, closes the transport and moves to closed.
// It does not wait for the read loop; Done is closed once it exits.
// Teardown is idempotent.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	if s.status.State == StateClosed {
		s.mu.Unlock()
		return
	}
	s.listeners = make(map[string][]registration)
	conn, cancel, started := s.conn, s.cancel, s.started
	s.conn = nil
	st := s.setStateLocked(StateClosed, nil)
	observers := s.observersLocked()
	s.observers = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Error closing connection", zap.Error(err))
		}
	}
	if !started {
		close(s.done)
	}
	s.logger.Info("Connection torn down")
	for _, fn := range observers {
		fn(st)
	}
}

// Done is closed when the background loop has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// On registers a listener for event and returns its removal func.
func (s *Supervisor) On(event string, l Listener) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State == StateClosed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners[event] = append(s.listeners[event], registration{id: id, listener: l})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		regs := s.listeners[event]
		for i, r := range regs {
			if r.id == id {
				s.listeners[event] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(s.listeners[event]) == 0 {
			delete(s.listeners, event)
		}
	}
}

// Watch registers a status observer and returns its removal func.
func (s *Supervisor) Watch(o Observer) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, watcher{id: id, observer: o})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, r := range s.observers {
			if r.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				break
			}
		}
	}
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Registry returns the subscription registry feeding this connection.
func (s *Supervisor) Registry() *subscription.Registry {
	return s.opts.Registry
}

// SyncSubscriptions subscribes every registry id not yet subscribed on the
// current connection. It is a no-op unless connected. Ids removed from the
// registry stay subscribed until the next connection.
func (s *Supervisor) SyncSubscriptions() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if s.status.State != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn, ctx := s.conn, s.connCtx
	pending := s.opts.Registry.Diff(s.subscribed)
	s.mu.Unlock()

	for _, id := range pending {
		subCtx, cancel := context.WithTimeout(ctx, s.dialTimeout())
		err := conn.Subscribe(subCtx, id)
		cancel()
		if err != nil {
			s.logger.Warn("Failed to subscribe camera", zap.String("camera_id", id), zap.Error(err))
			continue
		}
		s.mu.Lock()
		if s.conn == conn {
			s.subscribed[id] = struct{}{}
		}
		s.mu.Unlock()
		s.logger.Debug("Subscribed camera", zap.String("camera_id", id))
	}
}

// Subscribed returns the ids subscribed on the current connection, sorted.
func (s *Supervisor) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	for {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Giving up reconnecting", zap.Int("attempts", s.maxTries()), zap.Error(err))
			s.transition(StateDisconnected, err)
			return
		}

		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Connection lost", zap.Error(err))
		s.detach(conn)
		s.transition(StateDisconnected, err)

		// one base delay before redialing
		timer := time.NewTimer(s.opts.Retry.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials with bounded exponential backoff. The attempt budget is
// reset after every successful connection.
func (s *Supervisor) connect(ctx context.Context) (transport.Conn, error) {
	b := backoff.NewExponentialBackOff()
	if s.opts.Retry.Delay > 0 {
		b.InitialInterval = s.opts.Retry.Delay
	}
	if s.opts.Retry.MaxDelay > 0 {
		b.MaxInterval = s.opts.Retry.MaxDelay
	}

	attempt := 0
	op := func() (transport.Conn, error) {
		attempt++
		if attempt > 1 {
			s.opts.Metrics.ReconnectAttempt(s.opts.Name)
		}
		s.transitionAttempt(attempt)

		dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout())
		defer cancel()
		conn, err := s.opts.Dialer.Dial(dialCtx, s.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.maxTries())),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("Connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err))
			s.transition(StateDisconnected, err)
		}),
	)
	if err != nil {
		return nil, err
	}

	if !s.attach(ctx, conn) {
		conn.Close()
		return nil, ctx.Err()
	}
	s.SyncSubscriptions()
	return conn, nil
}

// attach installs conn as the current connection unless torn down meanwhile.
func (s *Supervisor) attach(ctx context.Context, conn transport.Conn) bool {
	s.mu.Lock()
	if s.status.State == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.connCtx = ctx
	s.subscribed = make(map[string]struct{})
	s.status.SessionID = uuid.NewString()
	st := s.setStateLocked(StateConnected, nil)
	observers := s.observersLocked()
	s.mu.Unlock()

	s.logger.Info("Socket connected", zap.String("url", s.opts.URL), zap.String("session_id", st.SessionID))
	s.notify(observers, st)
	return true
}

func (s *Supervisor) detach(conn transport.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.subscribed = make(map[string]struct{})
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Supervisor) serve(ctx context.Context, conn transport.Conn) error {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				s.logger.Warn("Dropped malformed frame", zap.Error(err))
				s.opts.Metrics.EventDropped(s.opts.Name, "malformed_frame")
				continue
			}
			return err
		}
		s.dispatch(frame)
	}
}

func (s *Supervisor) dispatch(frame models.Frame) {
	s.mu.Lock()
	if s.status.State != StateConnected {
		s.mu.Unlock()
		return
	}
	regs := append([]registration(nil), s.listeners[frame.Event]...)
	s.mu.Unlock()

	s.opts.Metrics.FrameReceived(s.opts.Name, frame.Event)
	for _, r := range regs {
		s.invoke(r.listener, frame)
	}
}

func (s *Supervisor) invoke(l Listener, frame models.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Listener panicked", zap.String("event", frame.Event), zap.Any("panic", r))
		}
	}()
	l(frame)
}

func (s *Supervisor) transition(state State, err error) {
	s.mu.Lock()
	if s.status.State == StateClosed {
		s.mu.Unlock()
		return
	}
	st := s.setStateLocked(state, err)
	observers := s.observersLocked()
	s.mu.Unlock()
	s.notify(observers, st)
}

func (s *Supervisor) transitionAttempt(attempt int) {
	s.mu.Lock()
	if s.status.State == StateClosed {
		s.mu.Unlock()
		return
	}
	s.status.Attempt = attempt
	st := s.setStateLocked(StateConnecting, nil)
	observers := s.observersLocked()
	s.mu.Unlock()
	s.notify(observers, st)
}

func (s *Supervisor) setStateLocked(state State, err error) Status {
	s.status.State = state
	s.status.Since = s.opts.Clock.Now()
	if err != nil {
		s.status.LastError = err.Error()
	} else if state == StateConnected {
		s.status.LastError = ""
		s.status.Attempt = 0
	}
	if state != StateConnected {
		s.status.SessionID = ""
	}
	s.opts.Metrics.SetConnected(s.opts.Name, string(s.opts.Mode), state == StateConnected)
	return s.status
}

func (s *Supervisor) observersLocked() []Observer {
	out := make([]Observer, 0, len(s.observers))
	for _, w := range s.observers {
		out = append(out, w.observer)
	}
	return out
}

func (s *Supervisor) notify(observers []Observer, st Status) {
	for _, fn := range observers {
		fn(st)
	}
}

func (s *Supervisor) maxTries() int {
	if s.opts.Retry.Attempts < 0 {
		return 1
	}
	return s.opts.Retry.Attempts + 1
}

func (s *Supervisor) dialTimeout() time.Duration {
	if s.opts.Retry.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return s.opts.Retry.DialTimeout
}
