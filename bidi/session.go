// Package bidi is the Driver Facade (spec section 4.4): the public entry
// point holding one Transport, one Dispatcher, and one Event Router, and
// enforcing the session state machine Unstarted -> Running -> Stopped.
//
// Grounded on the teacher's client/client_impl.go (struct-holds-deps
// shape, a mutex-guarded connection state) and client/lifecycle.go
// (Connect/Close symmetry, the whole connect sequence under one lock).
// Generalized from the teacher's boolean connected/initialized pair to
// the spec's explicit three-state enum.
package bidi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/localrivet/webdriverbidi/dispatcher"
	"github.com/localrivet/webdriverbidi/eventrouter"
	"github.com/localrivet/webdriverbidi/logx"
	websockettransport "github.com/localrivet/webdriverbidi/transport/websocket"
)

// State is the session lifecycle state, per spec section 3: monotonic,
// Stopped is terminal.
type State int

const (
	Unstarted State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the Driver Facade. The zero value is not usable; use New.
type Session struct {
	cfg    Config
	id     string
	logger logx.Logger
	router *eventrouter.Router

	mu         sync.Mutex
	state      State
	transport  *websockettransport.Transport
	dispatcher *dispatcher.Dispatcher
}

// New builds a Session in the Unstarted state. It does no I/O; call
// Start to open the connection.
func New(opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	logger := logx.WithSession(cfg.Logger, id)

	return &Session{
		cfg:    cfg,
		id:     id,
		logger: logger,
		router: eventrouter.New(logger),
		state:  Unstarted,
	}
}

// ID returns this session's correlation id, the same one prefixed onto
// every log line this session emits.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start dials url and brings the session to Running. Rejected with
// AlreadyStartedError unless the session is Unstarted. Held for the
// whole dial-and-retry sequence, matching the teacher's Connect, since
// nothing else is usefully callable before a session is Running anyway.
func (s *Session) Start(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Unstarted {
		if s.state == Stopped {
			return newAlreadyStartedError(fmt.Sprintf("session %s already reached Stopped, a terminal state", s.id))
		}
		return newAlreadyStartedError(fmt.Sprintf("session %s is already Running", s.id))
	}

	transport := websockettransport.New(websockettransport.Options{
		StartupTimeout:  s.cfg.StartupTimeout,
		ShutdownTimeout: s.cfg.ShutdownTimeout,
		DataTimeout:     s.cfg.DataTimeout,
		BufferSize:      s.cfg.BufferSize,
		Logger:          s.logger,
	})
	disp := dispatcher.New(transport, s.router, s.cfg.Codec, s.logger)
	disp.SetProtocolErrors(protocolErrors{})
	transport.OnReceive(disp.DispatchInbound)

	if err := transport.Start(ctx, url); err != nil {
		// A freshly constructed Transport can only fail Start with a
		// startup-timeout: ErrAlreadyStarted can't occur (the transport
		// has never been started before), and a plain dial error is
		// already wrapped in ErrStartupTimeout by Transport.Start.
		return newStartupTimeoutError(url, s.cfg.StartupTimeout, err)
	}

	s.transport = transport
	s.dispatcher = disp
	s.state = Running
	s.logger.Info("session started against %s", url)
	return nil
}

// Stop drains the pending-command table (every in-flight Execute fails
// with SessionClosedError), tears down the transport, and transitions to
// Stopped. Idempotent: calling Stop more than once, or before Start,
// returns nil.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Stopped {
		return nil
	}
	if s.state == Unstarted {
		s.state = Stopped
		return nil
	}

	s.logger.Info("stopping session")
	if s.dispatcher != nil {
		s.dispatcher.Shutdown()
	}
	var stopErr error
	if s.transport != nil {
		stopErr = s.transport.Stop()
	}
	s.state = Stopped
	return stopErr
}

// Execute sends method/params as a command and blocks for a matching
// response, the per-call or session-default timeout, or session
// shutdown — whichever comes first. Rejected with NotStartedError before
// Start and with SessionClosedError once the session is Stopped.
func (s *Session) Execute(ctx context.Context, method string, params interface{}, opts ...ExecuteOption) (interface{}, error) {
	s.mu.Lock()
	if s.state != Running {
		state := s.state
		s.mu.Unlock()
		if state == Stopped {
			return nil, newSessionClosedError(fmt.Sprintf("command %q rejected", method))
		}
		return nil, newNotStartedError(fmt.Sprintf("command %q rejected", method))
	}
	disp := s.dispatcher
	s.mu.Unlock()

	cfg := executeConfig{timeout: s.cfg.CommandTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	result, err := disp.Execute(ctx, method, params, cfg.timeout)
	if err == nil {
		return result, nil
	}

	var timeoutErr *dispatcher.TimeoutError
	if errors.As(err, &timeoutErr) {
		return nil, newCommandTimeoutError(timeoutErr.Method, timeoutErr.Timeout)
	}
	var remoteErr *dispatcher.RemoteError
	if errors.As(err, &remoteErr) {
		return nil, newCommandFailedError(remoteErr.Method, remoteErr.ErrorCode, remoteErr.Message, remoteErr.Stacktrace)
	}
	if errors.Is(err, dispatcher.ErrSessionClosed) {
		return nil, newSessionClosedError(fmt.Sprintf("command %q", method))
	}
	if errors.Is(err, dispatcher.ErrIDExhausted) {
		return nil, newIDExhaustedError()
	}
	// Send-level transport errors surface from dispatcher.Execute
	// unwrapped (dispatcher only wraps what it itself detects: timeout,
	// remote error, shutdown). Map the two remaining transport error
	// kinds from spec section 7 here.
	if errors.Is(err, websockettransport.ErrConnectionAborted) {
		return nil, newConnectionAbortedError(err)
	}
	if errors.Is(err, websockettransport.ErrSendContention) {
		return nil, newSendContentionError(s.cfg.DataTimeout)
	}
	return nil, err
}

// On subscribes handler to every event whose method matches, returning a
// handle usable with Off to unsubscribe. Valid in any session state;
// subscribing before Start is allowed so handlers are in place before
// the first event can possibly arrive.
func (s *Session) On(method string, handler eventrouter.Handler) eventrouter.Handle {
	return s.router.Subscribe(method, handler)
}

// Off removes a subscription previously returned by On. Idempotent.
func (s *Session) Off(handle eventrouter.Handle) {
	s.router.Unsubscribe(handle)
}
