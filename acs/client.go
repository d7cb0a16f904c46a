// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package acs talks to Azure Communication Services: the Call Automation
// REST API for answering and driving calls, the Identity API for
// provisioning the service's own user, and the Event Grid and CloudEvents
// envelopes the service posts back.
package acs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/httpstub"
	"github.com/sprucehealth/callflow/model"
)

const (
	callAutomationAPIVersion = "2023-10-15"
	identityAPIVersion       = "2023-10-01"

	DefaultVoiceName = "en-US-NancyNeural"
)

// ErrNoRecognizeTarget is returned for a recognize command that names no
// participant to listen to. The service rejects such requests.
var ErrNoRecognizeTarget = errors.New("recognize needs a target participant")

// Error is a non-2xx reply from the service
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("acs %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("acs %s %s: %d", e.Method, e.Path, e.StatusCode)
}

// Client is the Call Automation gateway. It implements the engine's command
// executor and the webhook's call answerer.
type Client struct {
	cred      Credential
	http      httpstub.Client
	logger    *zap.Logger
	now       func() time.Time
	voiceName string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the transport, typically with an httpstub.MockClient
func WithHTTPClient(c httpstub.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithNow fixes the signing timestamp source
func WithNow(now func() time.Time) ClientOption {
	return func(cl *Client) {
		cl.now = now
	}
}

// WithVoiceName sets the neural voice used for text prompts
func WithVoiceName(name string) ClientOption {
	return func(cl *Client) {
		cl.voiceName = name
	}
}

// NewClient parses the connection string and returns a ready client
func NewClient(connectionString string, opts ...ClientOption) (*Client, error) {
	cred, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cred:      cred,
		http:      httpstub.NewDefaultClient(0),
		logger:    zap.NewNop(),
		now:       time.Now,
		voiceName: DefaultVoiceName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Answer accepts the incoming call and directs its lifecycle events to req.CallbackURI
func (c *Client) Answer(ctx context.Context, req model.AnswerRequest) (model.ConnectionID, error) {
	body := answerCallRequest{
		IncomingCallContext: req.IncomingCallContext,
		CallbackURI:         req.CallbackURI,
	}
	if req.CognitiveServicesEndpoint != "" {
		body.CallIntelligenceOptions = &callIntelligenceOptions{
			CognitiveServicesEndpoint: req.CognitiveServicesEndpoint,
		}
	}

	var props callConnectionProperties
	if err := c.call(ctx, http.MethodPost, "/calling/callConnections:answer", callAutomationAPIVersion, body, &props); err != nil {
		return "", fmt.Errorf("answer call: %w", err)
	}
	if props.CallConnectionID == "" {
		return "", fmt.Errorf("answer call: response has no callConnectionId")
	}
	c.logger.Debug("answered call",
		zap.String("call_connection_id", props.CallConnectionID),
		zap.String("server_call_id", props.ServerCallID))
	return model.ConnectionID(props.CallConnectionID), nil
}

// Execute issues each command in order, stopping at the first failure
func (c *Client) Execute(ctx context.Context, conn model.ConnectionID, cmds []model.Command) error {
	for _, cmd := range cmds {
		var err error
		switch cmd := cmd.(type) {
		case model.PlayPrompt:
			err = c.Play(ctx, conn, cmd)
		case model.StartRecognize:
			err = c.StartRecognizing(ctx, conn, cmd)
		case model.HangUp:
			err = c.HangUp(ctx, conn, cmd.ForEveryone)
		default:
			err = fmt.Errorf("unsupported command %T", cmd)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Play speaks cmd.Text to everyone on the call, or to cmd.Target alone
func (c *Client) Play(ctx context.Context, conn model.ConnectionID, cmd model.PlayPrompt) error {
	body := playRequest{
		PlaySources:      []playSource{c.textSource(cmd.Text)},
		PlayTo:           []communicationIdentifier{},
		PlayOptions:      playOptions{Loop: cmd.Loop},
		OperationContext: cmd.OperationContext,
	}
	if cmd.Target != "" {
		body.PlayTo = append(body.PlayTo, communicationIdentifier{RawID: cmd.Target})
	}
	if err := c.call(ctx, http.MethodPost, connectionPath(conn, ":play"), callAutomationAPIVersion, body, nil); err != nil {
		return fmt.Errorf("play on %s: %w", conn, err)
	}
	return nil
}

// StartRecognizing plays the prompt and listens to cmd.Target for input
func (c *Client) StartRecognizing(ctx context.Context, conn model.ConnectionID, cmd model.StartRecognize) error {
	if cmd.Target == "" {
		c.logger.Warn("not starting recognition: caller is unknown, likely a session rebuilt after a restart",
			zap.String("call_connection_id", conn.String()),
			zap.String("operation_context", cmd.OperationContext))
		return fmt.Errorf("recognize on %s: %w", conn, ErrNoRecognizeTarget)
	}
	silence := cmd.InitialSilenceTimeout
	if silence <= 0 {
		silence = 10 * time.Second
	}
	body := recognizeRequest{
		RecognizeInputType:          string(cmd.Input),
		InterruptCallMediaOperation: false,
		RecognizeOptions: recognizeOptions{
			InterruptPrompt:                cmd.InterruptPrompt,
			InitialSilenceTimeoutInSeconds: int(silence / time.Second),
			TargetParticipant:              communicationIdentifier{RawID: cmd.Target},
		},
		OperationContext: cmd.OperationContext,
	}
	if cmd.Prompt != "" {
		prompt := c.textSource(cmd.Prompt)
		body.PlayPrompt = &prompt
	}
	switch cmd.Input {
	case model.InputChoice:
		for _, ch := range cmd.Choices {
			body.RecognizeOptions.Choices = append(body.RecognizeOptions.Choices, recognitionChoice{
				Label:   ch.Label,
				Phrases: ch.Phrases,
				Tone:    string(ch.Tone),
			})
		}
	case model.InputSpeech:
		body.RecognizeOptions.SpeechOptions = &speechOptions{EndSilenceTimeoutInMs: 1000}
	default:
		return fmt.Errorf("recognize on %s: unsupported input %q", conn, cmd.Input)
	}

	if err := c.call(ctx, http.MethodPost, connectionPath(conn, ":recognize"), callAutomationAPIVersion, body, nil); err != nil {
		return fmt.Errorf("recognize on %s: %w", conn, err)
	}
	return nil
}

// HangUp ends the call for everyone or removes only the service from it
func (c *Client) HangUp(ctx context.Context, conn model.ConnectionID, forEveryone bool) error {
	var err error
	if forEveryone {
		err = c.call(ctx, http.MethodPost, connectionPath(conn, ":terminate"), callAutomationAPIVersion, nil, nil)
	} else {
		err = c.call(ctx, http.MethodDelete, connectionPath(conn, ""), callAutomationAPIVersion, nil, nil)
	}
	if err != nil {
		return fmt.Errorf("hang up %s: %w", conn, err)
	}
	return nil
}

// CreateUser provisions a new communication identity and returns its raw ID
func (c *Client) CreateUser(ctx context.Context) (string, error) {
	var resp createIdentityResponse
	if err := c.call(ctx, http.MethodPost, "/identities", identityAPIVersion, struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("create identity: %w", err)
	}
	if resp.Identity.ID == "" {
		return "", fmt.Errorf("create identity: response has no id")
	}
	return resp.Identity.ID, nil
}

func (c *Client) textSource(text string) playSource {
	return playSource{Kind: "text", Text: &textSource{Text: text, VoiceName: c.voiceName}}
}

func connectionPath(conn model.ConnectionID, action string) string {
	return "/calling/callConnections/" + string(conn) + action
}

// call signs and sends one request. A nil in means no body; a nil out
// discards the response.
func (c *Client) call(ctx context.Context, method, path, apiVersion string, in, out any) error {
	target := *c.cred.Endpoint
	target.Path = c.cred.Endpoint.Path + path
	target.RawPath = ""
	target.RawQuery = url.Values{"api-version": {apiVersion}}.Encode()

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	headers := c.cred.SignRequest(method, &target, body, c.now())
	if body != nil {
		headers.Set("Content-Type", "application/json")
	}
	headers.Set("Accept", "application/json")

	status, respBody, _, err := c.http.Do(ctx, method, target.String(), headers, body)
	if err != nil {
		return err
	}
	c.logger.Debug("acs request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status))

	if status < 200 || status > 299 {
		apiErr := &Error{Method: method, Path: path, StatusCode: status}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
