// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package webhook is the HTTP surface the call gateway posts to: incoming
// call notifications, per-call lifecycle callbacks and, for Twilio, the voice
// and status webhooks.
package webhook

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/engine"
	"github.com/sprucehealth/callflow/model"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the part of the engine the webhook drives
type Dispatcher interface {
	Register(contextID, callerID, prompt string) error
	Bind(contextID string, conn model.ConnectionID)
	Forget(contextID string)
	HandleEvent(ctx context.Context, route engine.Route, ev model.Event) (engine.Outcome, error)
}

// Answerer picks up an incoming call and returns the connection the gateway assigned
type Answerer interface {
	Answer(ctx context.Context, req model.AnswerRequest) (model.ConnectionID, error)
}

// Server routes gateway webhooks into the engine
type Server struct {
	engine            Dispatcher
	answerer          Answerer
	twilio            TwilioGateway
	baseURL           string
	greeting          string
	cognitiveEndpoint string
	logger            *zap.Logger
	tracer            trace.Tracer
	newID             func() string
}

// Option configures the server
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGreeting sets the text read to callers once connected
func WithGreeting(text string) Option {
	return func(s *Server) {
		s.greeting = text
	}
}

// WithCognitiveServicesEndpoint sets the speech service passed on answer
func WithCognitiveServicesEndpoint(endpoint string) Option {
	return func(s *Server) {
		s.cognitiveEndpoint = endpoint
	}
}

// WithTwilio registers the Twilio voice routes backed by gw
func WithTwilio(gw TwilioGateway) Option {
	return func(s *Server) {
		s.twilio = gw
	}
}

// WithIDGenerator replaces the context ID source
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

// New creates a server. When answerer is nil the Event Grid routes are not
// registered. baseURL is the public address used to build callback URIs.
func New(d Dispatcher, answerer Answerer, baseURL string, opts ...Option) *Server {
	s := &Server{
		engine:   d,
		answerer: answerer,
		baseURL:  baseURL,
		greeting: "Hello World",
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/sprucehealth/callflow/webhook"),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with logging and tracing middleware installed
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.traceRequests, s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.answerer != nil {
		r.HandleFunc("/api/incomingCall", s.handleIncomingCall).Methods(http.MethodPost)
		r.HandleFunc("/api/callbacks/{contextId}", s.handleCallbacks).Methods(http.MethodPost)
	}
	if s.twilio != nil {
		tw := r.PathPrefix("/api/twilio").Subrouter()
		tw.HandleFunc("/voice", s.handleTwilioVoice).Methods(http.MethodPost)
		tw.HandleFunc("/events/{contextId}", s.handleTwilioEvent).Methods(http.MethodPost)
		tw.HandleFunc("/status", s.handleTwilioStatus).Methods(http.MethodPost)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// dispatch hands one event to the engine. Failures are logged and never
// reach the gateway.
func (s *Server) dispatch(ctx context.Context, route engine.Route, ev model.Event) {
	hdr := ev.Header()
	ctx, span := s.tracer.Start(ctx, "webhook.dispatch", trace.WithAttributes(
		attribute.String("dialog.event", ev.Kind().String()),
		attribute.String("call.connection_id", hdr.ConnectionID.String()),
	))
	defer span.End()

	logger := s.logger.With(
		zap.String("call_connection_id", hdr.ConnectionID.String()),
		zap.String("context_id", route.ContextID),
		zap.String("event_type", ev.Kind().String()),
		zap.String("operation_context", hdr.OperationContext),
	)
	if u, ok := ev.(model.UnknownEvent); ok {
		logger.Debug("received unhandled event", zap.String("type", u.Type))
	} else {
		logger.Info("received event")
	}

	if _, err := s.engine.HandleEvent(ctx, route, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handle event")
		logger.Error("failed to handle event", zap.Error(err))
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Warn("failed to read request body", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				name = tmpl
			}
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", name),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
