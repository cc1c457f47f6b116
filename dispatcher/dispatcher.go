// Package dispatcher implements the Dispatcher (spec section 4.2): command
// id assignment, the pending-command table, response correlation, timeout,
// and routing of inbound success/error/event messages.
//
// Grounded on the teacher's client/transport_websocket.go response-map
// pattern (a map of id to a per-call completion channel, populated before
// send and drained by the inbound reader), generalized from a sync.Map
// keyed by fmt.Sprintf("%v", id) (needed there since JSON-RPC ids are
// interface{}) to a mutex-guarded map[uint64]*pending, since BiDi ids are
// always integers (spec section 3).
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/localrivet/webdriverbidi/codec"
	"github.com/localrivet/webdriverbidi/eventrouter"
	"github.com/localrivet/webdriverbidi/logx"
	"github.com/localrivet/webdriverbidi/wire"
)

// Sentinel errors. bidi maps these onto its own typed taxonomy
// (bidi.CommandTimeoutError, bidi.SessionClosedError, ...); this package
// stays independent of bidi so it has no import cycle back.
var (
	ErrSessionClosed = errors.New("dispatcher: session is closed")
	ErrIDExhausted   = errors.New("dispatcher: command id counter exhausted")
)

// maxID bounds the id counter to the largest value representable by both
// this dispatcher and (conservatively) a JSON number without precision
// loss, per spec section 9 OQ2: overflow is a hard error, not a wraparound.
const maxID = 1<<53 - 1

// RemoteError is returned from Execute when the remote end answers a
// command with an error message, per spec section 3. Maps onto
// bidi.CommandFailedError at the facade layer.
type RemoteError struct {
	Method     string
	ErrorCode  string
	Message    string
	Stacktrace string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dispatcher: command %q failed: %s: %s", e.Method, e.ErrorCode, e.Message)
}

// TimeoutError is returned from Execute when no response arrives within
// the per-call timeout.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dispatcher: command %q timed out after %v", e.Method, e.Timeout)
}

// Sender is the capability the Dispatcher needs from the Transport: send
// one whole text message, serialized under the transport's own send
// mutex.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// ProtocolErrorFactory builds the structured errors for the three
// drop-and-log protocol conditions (spec section 7): a malformed inbound
// message, an envelope with an unrecognized type, and a response whose id
// is not (or no longer) pending. This package cannot import bidi (bidi
// imports dispatcher), so the facade injects its own typed construction
// via SetProtocolErrors; absent that, defaultProtocolErrors is used.
type ProtocolErrorFactory interface {
	MalformedMessage(cause error) error
	UnknownMessageType(msgType string) error
	UnsolicitedResponse(id uint64) error
}

type defaultProtocolErrors struct{}

func (defaultProtocolErrors) MalformedMessage(cause error) error {
	return fmt.Errorf("dispatcher: malformed message: %w", cause)
}
func (defaultProtocolErrors) UnknownMessageType(msgType string) error {
	return fmt.Errorf("dispatcher: unknown message type %q", msgType)
}
func (defaultProtocolErrors) UnsolicitedResponse(id uint64) error {
	return fmt.Errorf("dispatcher: unsolicited response for id %d", id)
}

type pending struct {
	method string
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Dispatcher correlates outbound commands with inbound responses and
// routes inbound events to an eventrouter.Router.
type Dispatcher struct {
	sender Sender
	router *eventrouter.Router
	codec  codec.Codec
	logger logx.Logger
	errs   ProtocolErrorFactory

	mu     sync.Mutex
	nextID uint64
	table  map[uint64]*pending
	closed bool
}

// New creates a Dispatcher. sender is used to transmit encoded commands;
// router receives decoded inbound events; c encodes commands and decodes
// results/events; a nil logger is treated as logx.NopLogger.
func New(sender Sender, router *eventrouter.Router, c codec.Codec, logger logx.Logger) *Dispatcher {
	if logger == nil {
		logger = logx.NopLogger{}
	}
	if c == nil {
		c = codec.JSON{}
	}
	return &Dispatcher{
		sender: sender,
		router: router,
		codec:  c,
		logger: logger,
		errs:   defaultProtocolErrors{},
		table:  make(map[uint64]*pending),
	}
}

// SetProtocolErrors overrides how the drop-and-log protocol errors (spec
// section 7) are constructed. A nil factory is ignored.
func (d *Dispatcher) SetProtocolErrors(f ProtocolErrorFactory) {
	if f != nil {
		d.errs = f
	}
}

// Execute assigns a new id, encodes and sends the command, then blocks
// until a matching response arrives, ctx is cancelled, or timeout
// elapses. The returned value is whatever codec.DecodeResult produced
// for this method (the default codec hands back json.RawMessage).
func (d *Dispatcher) Execute(ctx context.Context, method string, command interface{}, timeout time.Duration) (interface{}, error) {
	params, err := d.codec.Encode(method, command)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode %q: %w", method, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id, err := d.nextIDLocked()
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	p := &pending{method: method, done: make(chan struct{})}
	d.table[id] = p
	d.mu.Unlock()

	text, err := wire.EncodeCommand(wire.CommandMessage{ID: id, Method: method, Params: params})
	if err != nil {
		d.drop(id)
		return nil, fmt.Errorf("dispatcher: encode command envelope: %w", err)
	}

	if err := d.sender.Send(ctx, string(text)); err != nil {
		d.drop(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		result, err := d.codec.DecodeResult(method, p.result)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: decode result for %q: %w", method, err)
		}
		return result, nil
	case <-timer.C:
		d.drop(id)
		return nil, &TimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		d.drop(id)
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) drop(id uint64) {
	d.mu.Lock()
	delete(d.table, id)
	d.mu.Unlock()
}

// nextIDLocked must be called with d.mu held.
func (d *Dispatcher) nextIDLocked() (uint64, error) {
	if d.nextID >= maxID {
		return 0, ErrIDExhausted
	}
	d.nextID++
	return d.nextID, nil
}

// DispatchInbound is invoked by the Transport's receive handler for every
// whole inbound message, one at a time (spec section 5: the Dispatcher
// processes exactly one received text at a time). Malformed messages,
// unknown types, and unsolicited responses are logged and dropped, never
// returned to a caller (spec section 7).
func (d *Dispatcher) DispatchInbound(text string) {
	env, err := wire.ParseEnvelope([]byte(text))
	if err != nil {
		d.logger.Warn("dropping: %v", d.errs.MalformedMessage(err))
		return
	}

	switch env.Type {
	case wire.TypeSuccess:
		d.handleSuccess([]byte(text))
	case wire.TypeError:
		d.handleError([]byte(text))
	case wire.TypeEvent:
		d.handleEvent([]byte(text))
	default:
		d.logger.Warn("dropping: %v", d.errs.UnknownMessageType(env.Type))
	}
}

func (d *Dispatcher) handleSuccess(text []byte) {
	msg, err := wire.DecodeSuccess(text)
	if err != nil {
		d.logger.Warn("dropping: %v", d.errs.MalformedMessage(err))
		return
	}
	d.complete(msg.ID, msg.Result, nil)
}

func (d *Dispatcher) handleError(text []byte) {
	msg, err := wire.DecodeError(text)
	if err != nil {
		d.logger.Warn("dropping: %v", d.errs.MalformedMessage(err))
		return
	}
	d.mu.Lock()
	p, ok := d.table[msg.ID]
	d.mu.Unlock()
	method := ""
	if ok {
		method = p.method
	}
	d.complete(msg.ID, nil, &RemoteError{
		Method:     method,
		ErrorCode:  msg.Error,
		Message:    msg.Message,
		Stacktrace: msg.Stacktrace,
	})
}

func (d *Dispatcher) complete(id uint64, result json.RawMessage, remoteErr error) {
	d.mu.Lock()
	p, ok := d.table[id]
	if ok {
		delete(d.table, id)
	}
	d.mu.Unlock()

	if !ok {
		// Either never sent, already timed out, or a duplicate response.
		// Logged and dropped, never surfaced to a caller (spec section 7).
		d.logger.Warn("dropping: %v", d.errs.UnsolicitedResponse(id))
		return
	}
	p.result = result
	p.err = remoteErr
	close(p.done)
}

func (d *Dispatcher) handleEvent(text []byte) {
	msg, err := wire.DecodeEvent(text)
	if err != nil {
		d.logger.Warn("dropping: %v", d.errs.MalformedMessage(err))
		return
	}
	decoded, err := d.codec.DecodeEvent(msg.Method, msg.Params)
	if err != nil {
		d.logger.Warn("dropping: %v", d.errs.MalformedMessage(fmt.Errorf("event %q: %w", msg.Method, err)))
		return
	}
	if d.router != nil {
		d.router.Deliver(msg.Method, decoded)
	}
}

// Shutdown completes every pending command with ErrSessionClosed and
// rejects any Execute call still in flight or made afterward. Idempotent.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	table := d.table
	d.table = make(map[uint64]*pending)
	d.mu.Unlock()

	for _, p := range table {
		p.err = ErrSessionClosed
		close(p.done)
	}
}
