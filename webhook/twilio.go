// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package webhook

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/engine"
	"github.com/sprucehealth/callflow/model"
	"github.com/sprucehealth/callflow/twilioapi"
)

// TwilioGateway is what the Twilio routes need from twilioapi.Client
type TwilioGateway interface {
	Answerer
	TranslateCallback(conn model.ConnectionID, kind, operationContext string, form url.Values) (model.Event, error)
	ValidateRequest(fullURL string, form url.Values, signature string) bool
	Release(conn model.ConnectionID)
}

// parseTwilioForm parses the form and checks X-Twilio-Signature. It writes
// the error response itself.
func (s *Server) parseTwilioForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return nil, false
	}
	fullURL := s.baseURL + r.URL.RequestURI()
	if !s.twilio.ValidateRequest(fullURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		s.logger.Warn("rejected twilio request with bad signature", zap.String("path", r.URL.Path))
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return nil, false
	}
	if r.PostForm.Get("CallSid") == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return nil, false
	}
	return r.PostForm, true
}

// handleTwilioVoice answers an inbound call and replies with the greeting TwiML
func (s *Server) handleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	form, ok := s.parseTwilioForm(w, r)
	if !ok {
		return
	}
	callSid := form.Get("CallSid")
	callerID := form.Get("From")
	contextID := s.newID()
	logger := s.logger.With(zap.String("context_id", contextID), zap.String("call_sid", callSid))

	ctx, resp := twilioapi.WithResponder(r.Context())
	if err := s.engine.Register(contextID, callerID, s.greeting); err != nil {
		logger.Error("failed to register session", zap.Error(err))
		s.writeTwiML(w, resp)
		return
	}
	conn, err := s.twilio.Answer(ctx, model.AnswerRequest{
		IncomingCallContext: callSid,
		CallbackURI:         s.callbackURI("/api/twilio/events/", contextID),
		CallerID:            callerID,
	})
	if err != nil {
		s.engine.Forget(contextID)
		logger.Error("failed to answer incoming call", zap.Error(err))
		s.writeTwiML(w, resp)
		return
	}
	s.engine.Bind(contextID, conn)
	logger.Info("answered incoming call", zap.String("caller_id", callerID))

	route := engine.Route{ContextID: contextID, Prompt: s.greeting}
	s.dispatch(ctx, route, model.CallConnected{EventHeader: model.EventHeader{ConnectionID: conn}})
	s.writeTwiML(w, resp)
}

// handleTwilioEvent translates a Gather action or post-Say redirect
func (s *Server) handleTwilioEvent(w http.ResponseWriter, r *http.Request) {
	form, ok := s.parseTwilioForm(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	textToRead := query.Get("textToRead")
	if textToRead == "" {
		http.Error(w, "textToRead is required", http.StatusBadRequest)
		return
	}
	conn := model.ConnectionID(form.Get("CallSid"))

	ev, err := s.twilio.TranslateCallback(conn, query.Get("kind"), query.Get("operationContext"), form)
	if err != nil {
		s.logger.Warn("untranslatable twilio callback", zap.String("call_sid", conn.String()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, resp := twilioapi.WithResponder(r.Context())
	route := engine.Route{ContextID: mux.Vars(r)["contextId"], Prompt: textToRead}
	s.dispatch(ctx, route, ev)
	s.writeTwiML(w, resp)
}

// handleTwilioStatus turns a terminal status callback into CallDisconnected
func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	form, ok := s.parseTwilioForm(w, r)
	if !ok {
		return
	}
	conn := model.ConnectionID(form.Get("CallSid"))
	status := form.Get("CallStatus")

	if twilioapi.IsTerminalStatus(status) {
		s.dispatch(r.Context(), engine.Route{}, model.CallDisconnected{EventHeader: model.EventHeader{ConnectionID: conn}})
		s.twilio.Release(conn)
	} else {
		s.logger.Debug("ignoring call status", zap.String("call_sid", conn.String()), zap.String("status", status))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeTwiML(w http.ResponseWriter, resp *twilioapi.Responder) {
	doc, err := resp.TwiML()
	if err != nil {
		s.logger.Error("failed to render twiml", zap.Error(err))
		http.Error(w, "Failed to render TwiML", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}
