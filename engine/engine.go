// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/model"
)

const (
	defaultSessionTTL        = time.Hour
	defaultTerminalRetention = 5 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultEndedRetention    = 24 * time.Hour
)

// CommandExecutor issues dialog commands against the call gateway
type CommandExecutor interface {
	Execute(ctx context.Context, conn model.ConnectionID, cmds []model.Command) error
}

// Route is the per-request context the webhook carries alongside an event
type Route struct {
	ContextID string
	Prompt    string
}

// StateSnapshot is a JSON-serializable snapshot of the engine state
type StateSnapshot struct {
	Sessions  map[model.ConnectionID]*model.Session `json:"sessions"`
	Pending   map[string]*model.Session             `json:"pending"`
	Identity  string                                `json:"identity,omitempty"`
	Timestamp time.Time                             `json:"timestamp"`
}

// Engine runs the dialog state machine for every live call. Events for the
// same call are processed one at a time; different calls run concurrently.
type Engine struct {
	mu       sync.RWMutex
	clock    Clock
	executor CommandExecutor
	dialog   Dialog
	logger   *zap.Logger
	tracer   trace.Tracer
	identity string

	sessionTTL        time.Duration
	terminalRetention time.Duration
	endedRetention    time.Duration
	sweepInterval     time.Duration

	calls   map[model.ConnectionID]*callState
	pending map[string]*callState            // context ID -> session not yet bound to a connection
	ended   map[model.ConnectionID]time.Time // discarded connections -> when they were swept

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type callState struct {
	mu      sync.Mutex
	session *model.Session
	removed bool
}

// Option configures the engine
type Option func(*Engine)

// WithClock sets a specific clock implementation
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithManualClock configures the engine to use a manual clock
func WithManualClock() Option {
	return func(e *Engine) {
		e.clock = NewManualClock(time.Time{})
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDialog replaces the default choice-recognition dialog
func WithDialog(d Dialog) Option {
	return func(e *Engine) {
		e.dialog = d
	}
}

// WithRecognitionInput switches the dialog between choice and free speech recognition
func WithRecognitionInput(input model.RecognizeInput) Option {
	return func(e *Engine) {
		e.dialog = NewDialog(input)
	}
}

// WithSessionTTL sets how long an idle session is kept before it is discarded
func WithSessionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.sessionTTL = ttl
		}
	}
}

// WithEndedRetention sets how long a discarded connection is remembered so
// late or replayed events for it are dropped instead of starting a new session
func WithEndedRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.endedRetention = d
		}
	}
}

// WithSweepInterval sets how often idle sessions are reaped
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// New creates a new engine instance and starts its session reaper
func New(executor CommandExecutor, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		clock:             NewAutoClock(),
		executor:          executor,
		dialog:            NewDialog(model.InputChoice),
		logger:            zap.NewNop(),
		tracer:            otel.Tracer("github.com/sprucehealth/callflow/engine"),
		sessionTTL:        defaultSessionTTL,
		terminalRetention: defaultTerminalRetention,
		endedRetention:    defaultEndedRetention,
		sweepInterval:     defaultSweepInterval,
		calls:             make(map[model.ConnectionID]*callState),
		pending:           make(map[string]*callState),
		ended:             make(map[model.ConnectionID]time.Time),
		ctx:               ctx,
		cancel:            cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.reap()

	return e
}

// Clock returns the engine's clock
func (e *Engine) Clock() Clock {
	return e.clock
}

// SetIdentity records the service identity provisioned at startup
func (e *Engine) SetIdentity(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = id
}

// Register creates a session for an incoming call before the gateway has
// assigned it a connection. The first event routed with contextID binds it.
func (e *Engine) Register(contextID, callerID, prompt string) error {
	if contextID == "" {
		return fmt.Errorf("register session: %w", ErrMissingContextID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, exists := e.pending[contextID]; exists {
		return fmt.Errorf("register session %s: %w", contextID, ErrDuplicateSession)
	}

	now := e.clock.Now()
	sess := &model.Session{
		ContextID: contextID,
		CallerID:  callerID,
		Prompt:    prompt,
		State:     model.StateStart,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sess.Timeline = append(sess.Timeline, model.NewTimelineEntry(now, "session.registered", map[string]any{
		"caller_id": callerID,
	}))
	e.pending[contextID] = &callState{session: sess}
	return nil
}

// Bind attaches a registered session to the connection the gateway assigned.
// It is a no-op when an event already bound it.
func (e *Engine) Bind(contextID string, conn model.ConnectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.pending[contextID]
	if !ok {
		return
	}
	if _, exists := e.calls[conn]; exists {
		delete(e.pending, contextID)
		return
	}
	cs.mu.Lock()
	cs.session.ConnectionID = conn
	cs.mu.Unlock()
	e.calls[conn] = cs
	delete(e.pending, contextID)
}

// Forget drops a registered session whose call was never answered
func (e *Engine) Forget(contextID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, contextID)
}

// HandleEvent runs ev through the dialog for its call and issues the resulting
// commands. A gateway error is returned after being recorded; the session then
// stays in its previous state and nothing is retried.
func (e *Engine) HandleEvent(ctx context.Context, route Route, ev model.Event) (Outcome, error) {
	hdr := ev.Header()
	ctx, span := e.tracer.Start(ctx, "engine.HandleEvent", trace.WithAttributes(
		attribute.String("call.connection_id", hdr.ConnectionID.String()),
		attribute.String("call.context_id", route.ContextID),
		attribute.String("dialog.event", ev.Kind().String()),
		attribute.String("dialog.operation_context", hdr.OperationContext),
	))
	defer span.End()

	if hdr.ConnectionID == "" {
		span.SetStatus(codes.Error, ErrMissingConnectionID.Error())
		return Outcome{}, ErrMissingConnectionID
	}

	cs, err := e.lookup(route, ev)
	switch {
	case errors.Is(err, errCallEnded):
		e.logger.Debug("event for ended call ignored",
			zap.String("call_connection_id", hdr.ConnectionID.String()),
			zap.String("event_type", ev.Kind().String()))
		return Outcome{Next: model.StateTerminated, Note: "call already ended"}, nil
	case errors.Is(err, errNoSession):
		e.logger.Warn("event for unknown call ignored",
			zap.String("call_connection_id", hdr.ConnectionID.String()),
			zap.String("context_id", route.ContextID),
			zap.String("event_type", ev.Kind().String()))
		return Outcome{Note: "no session for call"}, nil
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess := cs.session
	logger := e.logger.With(
		zap.String("call_connection_id", hdr.ConnectionID.String()),
		zap.String("context_id", sess.ContextID),
		zap.String("event_type", ev.Kind().String()),
		zap.String("operation_context", hdr.OperationContext),
	)

	if cs.removed {
		logger.Debug("event for discarded session ignored")
		return Outcome{Next: model.StateTerminated, Note: "session discarded"}, nil
	}

	now := e.clock.Now()
	sess.Timeline = append(sess.Timeline, model.NewTimelineEntry(now, "event.received", eventDetail(ev)))

	out := e.dialog.Transition(sess, ev)
	span.SetAttributes(attribute.String("dialog.next_state", string(out.Next)))

	if len(out.Commands) > 0 {
		if err := e.executor.Execute(ctx, hdr.ConnectionID, out.Commands); err != nil {
			sess.Timeline = append(sess.Timeline, model.NewTimelineEntry(e.clock.Now(), "command.failed", map[string]any{
				"commands": commandNames(out.Commands),
				"error":    err.Error(),
			}))
			sess.UpdatedAt = e.clock.Now()
			logger.Error("failed to issue commands", zap.Strings("commands", commandNames(out.Commands)), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "execute commands")
			return out, fmt.Errorf("execute commands for %s: %w", hdr.ConnectionID, err)
		}
		for _, cmd := range out.Commands {
			sess.Timeline = append(sess.Timeline, model.NewTimelineEntry(e.clock.Now(), "command.issued", commandDetail(cmd)))
		}
	}

	if out.Note != "" {
		logger.Check(out.Level, out.Note).Write(zap.String("state", string(sess.State)))
	}

	if out.Next != sess.State {
		sess.Timeline = append(sess.Timeline, model.NewTimelineEntry(e.clock.Now(), "state.changed", map[string]any{
			"from": string(sess.State),
			"to":   string(out.Next),
		}))
		logger.Info("dialog state changed", zap.String("from", string(sess.State)), zap.String("to", string(out.Next)))
		sess.State = out.Next
	}
	if out.Tag != "" {
		sess.OperationContext = out.Tag
	}
	sess.UpdatedAt = e.clock.Now()

	return out, nil
}

// lookup finds the session for the event's call, binding a registered one by
// context ID or, failing that, starting a fresh one from the route. Discarded
// connections and events that only follow a finished operation never start one.
func (e *Engine) lookup(route Route, ev model.Event) (*callState, error) {
	conn := ev.Header().ConnectionID
	e.mu.RLock()
	cs, ok := e.calls[conn]
	closed := e.closed
	e.mu.RUnlock()
	if ok {
		return cs, nil
	}
	if closed {
		return nil, ErrClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cs, ok := e.calls[conn]; ok {
		return cs, nil
	}
	if _, ok := e.ended[conn]; ok {
		return nil, errCallEnded
	}
	if cs, ok := e.pending[route.ContextID]; ok && route.ContextID != "" {
		cs.mu.Lock()
		cs.session.ConnectionID = conn
		cs.mu.Unlock()
		e.calls[conn] = cs
		delete(e.pending, route.ContextID)
		return cs, nil
	}

	if !opensSession(ev.Kind()) {
		return nil, errNoSession
	}

	e.logger.Warn("event for unknown call, starting new session",
		zap.String("call_connection_id", conn.String()),
		zap.String("context_id", route.ContextID))

	now := e.clock.Now()
	cs = &callState{session: &model.Session{
		ConnectionID: conn,
		ContextID:    route.ContextID,
		Prompt:       route.Prompt,
		State:        model.StateStart,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	e.calls[conn] = cs
	return cs, nil
}

// opensSession reports whether an event for an unknown call may start a
// session. Play results and disconnects only ever trail an earlier command.
func opensSession(kind model.EventKind) bool {
	switch kind {
	case model.KindPlayCompleted, model.KindPlayFailed, model.KindCallDisconnected:
		return false
	}
	return true
}

// GetSession returns a copy of the session for conn
func (e *Engine) GetSession(conn model.ConnectionID) (*model.Session, bool) {
	e.mu.RLock()
	cs, ok := e.calls[conn]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.session.Clone(), true
}

// ListSessions returns copies of all bound sessions, oldest first
func (e *Engine) ListSessions() []*model.Session {
	snap := e.Snapshot()
	sessions := make([]*model.Session, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		sessions = append(sessions, s)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ConnectionID < sessions[j].ConnectionID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Snapshot returns a deep copy of the engine state
func (e *Engine) Snapshot() *StateSnapshot {
	e.mu.RLock()
	calls := make(map[model.ConnectionID]*callState, len(e.calls))
	for k, v := range e.calls {
		calls[k] = v
	}
	pending := make(map[string]*callState, len(e.pending))
	for k, v := range e.pending {
		pending[k] = v
	}
	identity := e.identity
	e.mu.RUnlock()

	snap := &StateSnapshot{
		Sessions:  make(map[model.ConnectionID]*model.Session, len(calls)),
		Pending:   make(map[string]*model.Session, len(pending)),
		Identity:  identity,
		Timestamp: e.clock.Now(),
	}
	for k, cs := range calls {
		cs.mu.Lock()
		snap.Sessions[k] = cs.session.Clone()
		cs.mu.Unlock()
	}
	for k, cs := range pending {
		cs.mu.Lock()
		snap.Pending[k] = cs.session.Clone()
		cs.mu.Unlock()
	}
	return snap
}

// Sweep discards idle sessions and terminated sessions past their retention.
// Discarded connections are remembered for the ended retention. It returns
// the number of sessions removed.
func (e *Engine) Sweep() int {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for conn, cs := range e.calls {
		if !cs.mu.TryLock() {
			// busy with an event, so not idle
			continue
		}
		idle := now.Sub(cs.session.UpdatedAt)
		expired := idle >= e.sessionTTL ||
			(cs.session.State.IsTerminal() && idle >= e.terminalRetention)
		if expired {
			cs.removed = true
			delete(e.calls, conn)
			e.ended[conn] = now
			removed++
		}
		cs.mu.Unlock()
	}
	for id, cs := range e.pending {
		if now.Sub(cs.session.CreatedAt) >= e.sessionTTL {
			delete(e.pending, id)
			removed++
		}
	}
	for conn, at := range e.ended {
		if now.Sub(at) >= e.endedRetention {
			delete(e.ended, conn)
		}
	}
	return removed
}

func (e *Engine) reap() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.clock.After(e.sweepInterval):
			if n := e.Sweep(); n > 0 {
				e.logger.Info("discarded idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Close stops the reaper. Events arriving afterwards for unknown calls are rejected.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

func eventDetail(ev model.Event) map[string]any {
	hdr := ev.Header()
	detail := map[string]any{
		"kind":              ev.Kind().String(),
		"operation_context": hdr.OperationContext,
	}
	switch ev := ev.(type) {
	case model.RecognizeCompleted:
		detail["result"] = describeResult(ev.Result)
	case model.RecognizeFailed:
		detail["reason"] = ev.Reason.String()
	case model.PlayFailed:
		detail["reason"] = ev.Reason.String()
	case model.UnknownEvent:
		detail["type"] = ev.Type
	}
	return detail
}

func commandDetail(cmd model.Command) map[string]any {
	detail := map[string]any{"command": model.CommandName(cmd)}
	switch c := cmd.(type) {
	case model.PlayPrompt:
		detail["text"] = c.Text
		detail["operation_context"] = c.OperationContext
		detail["loop"] = c.Loop
	case model.StartRecognize:
		detail["input"] = string(c.Input)
		detail["prompt"] = c.Prompt
		detail["operation_context"] = c.OperationContext
		detail["initial_silence_timeout"] = c.InitialSilenceTimeout.String()
	case model.HangUp:
		detail["for_everyone"] = c.ForEveryone
	}
	return detail
}

func commandNames(cmds []model.Command) []string {
	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = model.CommandName(c)
	}
	return names
}
