// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package acs_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sprucehealth/callflow/acs"
	"github.com/sprucehealth/callflow/httpstub"
	"github.com/sprucehealth/callflow/model"
)

const testConnectionString = "endpoint=https://res.communication.azure.com/;accesskey=c2VjcmV0"

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*acs.Client, *httpstub.MockClient) {
	t.Helper()
	mock := httpstub.NewMockClient()
	c, err := acs.NewClient(testConnectionString,
		acs.WithHTTPClient(mock),
		acs.WithNow(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, mock
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("Invalid JSON body %q: %v", body, err)
	}
	return m
}

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		host    string
	}{
		{"valid", testConnectionString, false, "res.communication.azure.com"},
		{"mixed case keys", "Endpoint=https://a.example.com;AccessKey=c2VjcmV0", false, "a.example.com"},
		{"padded key", "endpoint=https://a.example.com/;accesskey=a2V5MQ==", false, "a.example.com"},
		{"missing key", "endpoint=https://a.example.com/", true, ""},
		{"missing endpoint", "accesskey=c2VjcmV0", true, ""},
		{"bad endpoint", "endpoint=not a url;accesskey=c2VjcmV0", true, ""},
		{"bad key", "endpoint=https://a.example.com/;accesskey=***", true, ""},
		{"empty", "", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := acs.ParseConnectionString(tt.in)
			if tt.wantErr {
				if !errors.Is(err, acs.ErrInvalidConnectionString) {
					t.Fatalf("Expected ErrInvalidConnectionString, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cred.Endpoint.Host != tt.host {
				t.Errorf("Expected host %s, got %s", tt.host, cred.Endpoint.Host)
			}
		})
	}
}

func TestSignRequestIsDeterministic(t *testing.T) {
	cred, err := acs.ParseConnectionString(testConnectionString)
	if err != nil {
		t.Fatal(err)
	}
	target, _ := url.Parse("https://res.communication.azure.com/identities?api-version=2023-10-01")
	h := cred.SignRequest(http.MethodPost, target, []byte("{}"), fixedNow)

	if got := h.Get("x-ms-date"); got != "Mon, 01 Jan 2024 00:00:00 GMT" {
		t.Errorf("Unexpected date %q", got)
	}
	if got := h.Get("x-ms-content-sha256"); got != "RBNvo1WzZ4oRRq0W9+hknpT7T8If536DEMBg9hyq/4o=" {
		t.Errorf("Unexpected content hash %q", got)
	}
	want := "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=5jenVhqTmlFVcsJfJCTBikzsUb5dvz2Gi0/YBgJvOqw="
	if got := h.Get("Authorization"); got != want {
		t.Errorf("Authorization mismatch:\nGot:  %s\nWant: %s", got, want)
	}
}

func TestAnswer(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ResponseFunc = func(method, u string, body []byte) (int, []byte, http.Header, error) {
		return 200, []byte(`{"callConnectionId":"conn-42","serverCallId":"srv"}`), nil, nil
	}

	conn, err := c.Answer(context.Background(), model.AnswerRequest{
		IncomingCallContext:       "ctx-token",
		CallbackURI:               "https://app.example.com/api/callbacks/abc?callerId=x",
		CognitiveServicesEndpoint: "https://cog.example.com/",
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if conn != "conn-42" {
		t.Errorf("Expected conn-42, got %s", conn)
	}

	calls := mock.GetCallsTo("https://res.communication.azure.com/calling/callConnections:answer")
	if len(calls) != 1 {
		t.Fatalf("Expected 1 answer call, got %d", len(calls))
	}
	if !strings.Contains(calls[0].URL, "api-version=2023-10-15") {
		t.Errorf("Missing api-version in %s", calls[0].URL)
	}
	if !strings.HasPrefix(calls[0].Headers.Get("Authorization"), "HMAC-SHA256 ") {
		t.Errorf("Request not signed: %v", calls[0].Headers)
	}
	body := decodeBody(t, calls[0].Body)
	if body["incomingCallContext"] != "ctx-token" {
		t.Errorf("Unexpected incomingCallContext %v", body["incomingCallContext"])
	}
	opts, _ := body["callIntelligenceOptions"].(map[string]any)
	if opts["cognitiveServicesEndpoint"] != "https://cog.example.com/" {
		t.Errorf("Unexpected callIntelligenceOptions %v", body["callIntelligenceOptions"])
	}
}

func TestAnswerMissingConnectionID(t *testing.T) {
	c, _ := newTestClient(t)
	if _, err := c.Answer(context.Background(), model.AnswerRequest{IncomingCallContext: "x"}); err == nil {
		t.Fatal("Expected error for empty answer response")
	}
}

func TestExecuteIssuesCommandsInOrder(t *testing.T) {
	c, mock := newTestClient(t)
	cmds := []model.Command{
		model.PlayPrompt{Text: "Hello World", OperationContext: model.TagUserMessage},
		model.StartRecognize{
			Input:  model.InputChoice,
			Target: "4:+15551234567",
			Choices: []model.Choice{{
				Label: "EndCall", Phrases: []string{"end call", "hang up", "One"}, Tone: model.ToneOne,
			}},
			Prompt:                "To end the call, please press one or say end call",
			InitialSilenceTimeout: 10 * time.Second,
			OperationContext:      model.TagEndTone,
		},
		model.HangUp{ForEveryone: true},
	}
	if err := c.Execute(context.Background(), "conn-1", cmds); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(mock.Calls) != 3 {
		t.Fatalf("Expected 3 calls, got %d", len(mock.Calls))
	}

	base := "https://res.communication.azure.com/calling/callConnections/conn-1"
	wantPrefixes := []string{base + ":play?", base + ":recognize?", base + ":terminate?"}
	for i, want := range wantPrefixes {
		if !strings.HasPrefix(mock.Calls[i].URL, want) {
			t.Errorf("Call %d: expected %s, got %s", i, want, mock.Calls[i].URL)
		}
	}

	play := decodeBody(t, mock.Calls[0].Body)
	if play["operationContext"] != "UserMessage" {
		t.Errorf("Unexpected play operationContext %v", play["operationContext"])
	}
	sources := play["playSources"].([]any)
	text := sources[0].(map[string]any)["text"].(map[string]any)
	if text["text"] != "Hello World" || text["voiceName"] != acs.DefaultVoiceName {
		t.Errorf("Unexpected play source %v", text)
	}

	rec := decodeBody(t, mock.Calls[1].Body)
	if rec["recognizeInputType"] != "choices" || rec["operationContext"] != "EndTone" {
		t.Errorf("Unexpected recognize body %v", rec)
	}
	opts := rec["recognizeOptions"].(map[string]any)
	if opts["initialSilenceTimeoutInSeconds"] != float64(10) || opts["interruptPrompt"] != false {
		t.Errorf("Unexpected recognize options %v", opts)
	}
	target := opts["targetParticipant"].(map[string]any)
	if target["rawId"] != "4:+15551234567" {
		t.Errorf("Unexpected target %v", target)
	}
	choice := opts["choices"].([]any)[0].(map[string]any)
	if choice["label"] != "EndCall" || choice["tone"] != "one" {
		t.Errorf("Unexpected choice %v", choice)
	}
	if len(mock.Calls[2].Body) != 0 {
		t.Errorf("Expected empty terminate body, got %q", mock.Calls[2].Body)
	}
}

func TestStartRecognizingBody(t *testing.T) {
	tests := []struct {
		name      string
		input     model.RecognizeInput
		wantType  string
		wantInOpt string
		absent    string
	}{
		{"choice", model.InputChoice, "choices", "choices", "speechOptions"},
		{"speech", model.InputSpeech, "speech", "speechOptions", "choices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newTestClient(t)
			err := c.StartRecognizing(context.Background(), "conn-1", model.StartRecognize{
				Input:            tt.input,
				Target:           "4:+15551234567",
				Choices:          []model.Choice{{Label: "EndCall", Phrases: []string{"end call"}, Tone: model.ToneOne}},
				Prompt:           "Say something",
				OperationContext: model.TagEndTone,
			})
			if err != nil {
				t.Fatalf("StartRecognizing: %v", err)
			}
			body := decodeBody(t, mock.Calls[0].Body)
			if body["recognizeInputType"] != tt.wantType {
				t.Errorf("Expected recognizeInputType %q, got %v", tt.wantType, body["recognizeInputType"])
			}
			opts := body["recognizeOptions"].(map[string]any)
			if _, ok := opts[tt.wantInOpt]; !ok {
				t.Errorf("Expected %s in %v", tt.wantInOpt, opts)
			}
			if _, ok := opts[tt.absent]; ok {
				t.Errorf("Did not expect %s in %v", tt.absent, opts)
			}
			if opts["initialSilenceTimeoutInSeconds"] != float64(10) {
				t.Errorf("Expected default 10s silence, got %v", opts["initialSilenceTimeoutInSeconds"])
			}
			if tt.input == model.InputSpeech {
				speech := opts["speechOptions"].(map[string]any)
				if speech["endSilenceTimeoutInMs"] != float64(1000) {
					t.Errorf("Unexpected speech options %v", speech)
				}
			}
		})
	}
}

func TestStartRecognizingWithoutTarget(t *testing.T) {
	c, mock := newTestClient(t)
	err := c.StartRecognizing(context.Background(), "conn-1", model.StartRecognize{
		Input:            model.InputChoice,
		OperationContext: model.TagEndTone,
	})
	if !errors.Is(err, acs.ErrNoRecognizeTarget) {
		t.Fatalf("Expected ErrNoRecognizeTarget, got %v", err)
	}
	if len(mock.Calls) != 0 {
		t.Errorf("Expected no request, got %d", len(mock.Calls))
	}
}

func TestHangUpForSelfDeletesConnection(t *testing.T) {
	c, mock := newTestClient(t)
	if err := c.HangUp(context.Background(), "conn-1", false); err != nil {
		t.Fatal(err)
	}
	if mock.Calls[0].Method != http.MethodDelete {
		t.Errorf("Expected DELETE, got %s", mock.Calls[0].Method)
	}
}

func TestExecuteStopsAtFirstError(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ResponseFunc = func(method, u string, body []byte) (int, []byte, http.Header, error) {
		return 404, []byte(`{"error":{"code":"8522","message":"Call not found"}}`), nil, nil
	}
	err := c.Execute(context.Background(), "gone", []model.Command{
		model.PlayPrompt{Text: "bye", OperationContext: model.TagEndCall},
		model.HangUp{ForEveryone: true},
	})
	var apiErr *acs.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *acs.Error, got %v", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Code != "8522" || apiErr.Message != "Call not found" {
		t.Errorf("Unexpected error fields %+v", apiErr)
	}
	if len(mock.Calls) != 1 {
		t.Errorf("Expected 1 call before stopping, got %d", len(mock.Calls))
	}
}

func TestTransportErrorIsReturned(t *testing.T) {
	c, mock := newTestClient(t)
	boom := errors.New("connection refused")
	mock.ResponseFunc = func(method, u string, body []byte) (int, []byte, http.Header, error) {
		return 0, nil, nil, boom
	}
	if err := c.HangUp(context.Background(), "conn-1", true); !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped transport error, got %v", err)
	}
}

func TestCreateUser(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ResponseFunc = func(method, u string, body []byte) (int, []byte, http.Header, error) {
		return 201, []byte(`{"identity":{"id":"8:acs:resource_user"}}`), nil, nil
	}
	id, err := c.CreateUser(context.Background())
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id != "8:acs:resource_user" {
		t.Errorf("Unexpected id %s", id)
	}
	if got := mock.Calls[0].URL; got != "https://res.communication.azure.com/identities?api-version=2023-10-01" {
		t.Errorf("Unexpected URL %s", got)
	}
}
