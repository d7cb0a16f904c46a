// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/acs"
	"github.com/sprucehealth/callflow/engine"
	"github.com/sprucehealth/callflow/model"
)

// handleIncomingCall answers every incoming call in an Event Grid batch. A
// subscription validation event is echoed back straight away.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	events, err := acs.DecodeEventGridEvents(body)
	if err != nil {
		s.logger.Warn("malformed event grid delivery", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		switch ev.EventType {
		case acs.EventTypeSubscriptionValidation:
			data, err := ev.ValidationData()
			if err != nil {
				s.logger.Warn("invalid subscription validation event", zap.String("event_id", ev.ID), zap.Error(err))
				continue
			}
			s.logger.Info("event grid subscription validated", zap.String("event_id", ev.ID))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(acs.ValidationResponse{ValidationResponse: data.ValidationCode})
			return
		case acs.EventTypeIncomingCall:
			data, err := ev.IncomingCall()
			if err != nil {
				s.logger.Warn("invalid incoming call event", zap.String("event_id", ev.ID), zap.Error(err))
				continue
			}
			s.answerIncoming(r.Context(), data)
		default:
			s.logger.Debug("skipping event grid event", zap.String("event_type", ev.EventType), zap.String("event_id", ev.ID))
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) answerIncoming(ctx context.Context, data acs.IncomingCallData) {
	contextID := s.newID()
	logger := s.logger.With(zap.String("context_id", contextID), zap.String("caller_id", data.From.RawID))

	callbackURI := s.callbackURI("/api/callbacks/", contextID)
	if err := s.engine.Register(contextID, data.From.RawID, s.greeting); err != nil {
		logger.Error("failed to register session", zap.Error(err))
		return
	}

	conn, err := s.answerer.Answer(ctx, model.AnswerRequest{
		IncomingCallContext:       data.IncomingCallContext,
		CallbackURI:               callbackURI,
		CallerID:                  data.From.RawID,
		CognitiveServicesEndpoint: s.cognitiveEndpoint,
	})
	if err != nil {
		s.engine.Forget(contextID)
		logger.Error("failed to answer incoming call", zap.Error(err))
		return
	}
	s.engine.Bind(contextID, conn)
	logger.Info("answered incoming call",
		zap.String("call_connection_id", conn.String()),
		zap.String("callback_uri", callbackURI))
}

// handleCallbacks runs each CloudEvent of a callback batch through the engine
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["contextId"]
	textToRead := r.URL.Query().Get("textToRead")
	if textToRead == "" {
		http.Error(w, "textToRead is required", http.StatusBadRequest)
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	events, err := acs.DecodeCloudEvents(body)
	if err != nil {
		s.logger.Warn("malformed callback delivery", zap.String("context_id", contextID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	route := engine.Route{ContextID: contextID, Prompt: textToRead}
	for _, ce := range events {
		ev, err := acs.ParseEvent(ce)
		if err != nil {
			s.logger.Warn("skipping undecodable callback event",
				zap.String("context_id", contextID),
				zap.String("type", ce.Type),
				zap.Error(err))
			continue
		}
		s.dispatch(r.Context(), route, ev)
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) callbackURI(prefix, contextID string) string {
	q := url.Values{"textToRead": {s.greeting}}
	return s.baseURL + prefix + url.PathEscape(contextID) + "?" + q.Encode()
}
