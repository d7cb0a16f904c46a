// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package webhook_test

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sprucehealth/callflow/engine"
	"github.com/sprucehealth/callflow/gatewaystub"
	"github.com/sprucehealth/callflow/model"
	"github.com/sprucehealth/callflow/webhook"
)

const testBase = "https://callflow.example.com"

type harness struct {
	srv      *httptest.Server
	engine   *engine.Engine
	recorder *gatewaystub.Recorder
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("ctx-%d", n.Add(1))
	}
}

func newHarness(t *testing.T, opts ...webhook.Option) *harness {
	t.Helper()
	rec := gatewaystub.NewRecorder()
	e := engine.New(rec, engine.WithManualClock(), engine.WithSweepInterval(24*time.Hour))
	t.Cleanup(func() { _ = e.Close() })

	opts = append([]webhook.Option{
		webhook.WithIDGenerator(sequentialIDs()),
		webhook.WithCognitiveServicesEndpoint("https://cog.example.com/"),
	}, opts...)
	s := webhook.New(e, rec, testBase, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, engine: e, recorder: rec}
}

func (h *harness) post(t *testing.T, path, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func cloudEvent(eventType, conn, opCtx, extra string) string {
	return fmt.Sprintf(`{"id":"%s","source":"calling/callConnections/%s","type":"Microsoft.Communication.%s","specversion":"1.0","data":{"callConnectionId":"%s","operationContext":"%s"%s}}`,
		eventType, conn, eventType, conn, opCtx, extra)
}

const incomingCall = `[{
	"id": "evt-1",
	"eventType": "Microsoft.Communication.IncomingCall",
	"data": {
		"from": {"kind": "phoneNumber", "rawId": "4:+15551234567"},
		"to": {"kind": "phoneNumber", "rawId": "4:+18005550100"},
		"incomingCallContext": "token-1"
	}
}]`

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestSubscriptionValidationEcho(t *testing.T) {
	h := newHarness(t)
	status, body := h.post(t, "/api/incomingCall", `[{
		"id": "v1",
		"eventType": "Microsoft.EventGrid.SubscriptionValidationEvent",
		"data": {"validationCode": "512d38b6-c7b8-40c8-89fe-f46f9e9622b6"}
	}]`)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	want := `{"validationResponse":"512d38b6-c7b8-40c8-89fe-f46f9e9622b6"}`
	if strings.TrimSpace(body) != want {
		t.Errorf("Expected %s, got %s", want, body)
	}
	if len(h.recorder.Answers()) != 0 {
		t.Error("Validation must not answer a call")
	}
}

func TestIncomingCallAnswersWithCallback(t *testing.T) {
	h := newHarness(t)
	status, body := h.post(t, "/api/incomingCall", incomingCall)
	if status != http.StatusOK || body != "" {
		t.Fatalf("Expected empty 200, got %d %q", status, body)
	}

	answers := h.recorder.Answers()
	if len(answers) != 1 {
		t.Fatalf("Expected 1 answer, got %d", len(answers))
	}
	want := model.AnswerRequest{
		IncomingCallContext:       "token-1",
		CallbackURI:               testBase + "/api/callbacks/ctx-1?textToRead=Hello+World",
		CallerID:                  "4:+15551234567",
		CognitiveServicesEndpoint: "https://cog.example.com/",
	}
	if !reflect.DeepEqual(answers[0], want) {
		t.Errorf("Answer mismatch:\nGot:  %+v\nWant: %+v", answers[0], want)
	}

	sess, ok := h.engine.GetSession("conn-token-1")
	if !ok {
		t.Fatal("Expected session bound to the answered connection")
	}
	if sess.ContextID != "ctx-1" || sess.CallerID != "4:+15551234567" || sess.State != model.StateStart {
		t.Errorf("Unexpected session %+v", sess)
	}
}

func TestIncomingCallAnswerFailureStillOK(t *testing.T) {
	h := newHarness(t)
	h.recorder.AnswerFunc = func(req model.AnswerRequest) (model.ConnectionID, error) {
		return "", errors.New("acs unavailable")
	}
	status, _ := h.post(t, "/api/incomingCall", incomingCall)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if snap := h.engine.Snapshot(); len(snap.Pending) != 0 || len(snap.Sessions) != 0 {
		t.Errorf("Expected no sessions after failed answer, got %+v", snap)
	}
}

func TestMalformedBodies(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		path string
		body string
		want int
	}{
		{"/api/incomingCall", "not json", http.StatusBadRequest},
		{"/api/incomingCall", "", http.StatusBadRequest},
		{"/api/callbacks/ctx-1?textToRead=Hello", "{{", http.StatusBadRequest},
		{"/api/callbacks/ctx-1", "[]", http.StatusBadRequest},
		{"/api/callbacks/ctx-1?textToRead=Hello", "[]", http.StatusOK},
		{"/api/incomingCall", `[{"id":"x","eventType":"Microsoft.Communication.CallStarted","data":{}}]`, http.StatusOK},
	}
	for _, tt := range tests {
		if status, body := h.post(t, tt.path, tt.body); status != tt.want {
			t.Errorf("POST %s %q: expected %d, got %d (%s)", tt.path, tt.body, tt.want, status, body)
		}
	}
}

func TestEndCallScenario(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/incomingCall", incomingCall)
	conn := model.ConnectionID("conn-token-1")
	cb := "/api/callbacks/ctx-1?textToRead=Hello+World"

	steps := []string{
		cloudEvent("CallConnected", string(conn), "", ""),
		cloudEvent("PlayCompleted", string(conn), "UserMessage", ""),
		cloudEvent("RecognizeCompleted", string(conn), "EndTone", `,"recognitionType":"choices","choiceResult":{"label":"EndCall","recognizedPhrase":"end call"}`),
		cloudEvent("PlayCompleted", string(conn), "EndCall", ""),
		cloudEvent("CallDisconnected", string(conn), "", ""),
	}
	for _, ev := range steps {
		if status, body := h.post(t, cb, "["+ev+"]"); status != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", status, body)
		}
	}

	got := h.recorder.Commands(conn)
	want := []model.Command{
		model.PlayPrompt{Text: "Hello World", OperationContext: model.TagUserMessage},
		model.StartRecognize{
			Input:                 model.InputChoice,
			Target:                "4:+15551234567",
			Choices:               engine.NewDialog(model.InputChoice).Choices,
			Prompt:                engine.PromptRecognize,
			InitialSilenceTimeout: engine.DefaultSilenceWindow,
			OperationContext:      model.TagEndTone,
		},
		model.PlayPrompt{Text: engine.PromptEndCall, OperationContext: model.TagEndCall},
		model.HangUp{ForEveryone: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Commands mismatch:\nGot:  %#v\nWant: %#v", got, want)
	}

	sess, _ := h.engine.GetSession(conn)
	if sess.State != model.StateTerminated {
		t.Errorf("Expected terminated, got %s", sess.State)
	}
}

func TestNoResponseScenarioInOneBatch(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/incomingCall", incomingCall)
	conn := "conn-token-1"

	batch := "[" + strings.Join([]string{
		cloudEvent("CallConnected", conn, "", ""),
		cloudEvent("RecognizeFailed", conn, "EndTone", `,"resultInformation":{"code":400,"subCode":8510,"message":"timeout"}`),
		cloudEvent("PlayCompleted", conn, "NoResponseToChoice", ""),
	}, ",") + "]"
	if status, _ := h.post(t, "/api/callbacks/ctx-1?textToRead=Hello+World", batch); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	cmds := h.recorder.Commands(model.ConnectionID(conn))
	if len(cmds) != 4 {
		t.Fatalf("Expected 4 commands, got %#v", cmds)
	}
	if p, ok := cmds[2].(model.PlayPrompt); !ok || p.Text != engine.PromptNoResponse || p.OperationContext != model.TagNoResponseToChoice {
		t.Errorf("Unexpected farewell %#v", cmds[2])
	}
	if _, ok := cmds[3].(model.HangUp); !ok {
		t.Errorf("Expected hangup, got %#v", cmds[3])
	}
}

func TestCallbackGatewayFailureStillOK(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/incomingCall", incomingCall)
	h.recorder.ExecuteFunc = func(conn model.ConnectionID, cmds []model.Command) error {
		return errors.New("acs 500")
	}
	status, _ := h.post(t, "/api/callbacks/ctx-1?textToRead=Hello+World", "["+cloudEvent("CallConnected", "conn-token-1", "", "")+"]")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	sess, _ := h.engine.GetSession("conn-token-1")
	if sess.State != model.StateStart {
		t.Errorf("Expected state unchanged after gateway failure, got %s", sess.State)
	}
}

func TestCallbackForUnknownContextStartsSession(t *testing.T) {
	h := newHarness(t)
	status, _ := h.post(t, "/api/callbacks/after-restart?textToRead=Welcome+back",
		"["+cloudEvent("CallConnected", "conn-x", "", "")+"]")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	cmds := h.recorder.Commands("conn-x")
	if len(cmds) == 0 {
		t.Fatal("Expected greeting commands")
	}
	if p := cmds[0].(model.PlayPrompt); p.Text != "Welcome back" {
		t.Errorf("Expected prompt from textToRead, got %q", p.Text)
	}
}

func TestTwilioRoutesAbsentWithoutGateway(t *testing.T) {
	h := newHarness(t)
	resp, err := http.PostForm(h.srv.URL+"/api/twilio/voice", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}
