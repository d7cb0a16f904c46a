// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twilioapi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	twilio "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"
	conversations "github.com/twilio/twilio-go/rest/conversations/v1"
	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/model"
)

var ErrUnknownCall = errors.New("call has no registered callback")

// CallUpdater is the slice of the Voice API the gateway uses
type CallUpdater interface {
	UpdateCall(sid string, params *twilioopenapi.UpdateCallParams) (*twilioopenapi.ApiV2010Call, error)
}

// UserCreator is the slice of the Conversations API used to provision the service identity
type UserCreator interface {
	CreateUser(params *conversations.CreateUserParams) (*conversations.ConversationsV1User, error)
}

// Client drives calls over Twilio Voice with the same command and event model
// as the Call Automation gateway. Commands are rendered to TwiML and either
// returned in the current webhook response or pushed with UpdateCall.
type Client struct {
	calls     CallUpdater
	users     UserCreator
	validator *client.RequestValidator
	logger    *zap.Logger

	mu    sync.Mutex
	state map[model.ConnectionID]*callRecord
}

type callRecord struct {
	callbackURI string
	recognize   *model.StartRecognize
}

// Option configures a Client
type Option func(*Client)

// WithCallUpdater replaces the Voice API, typically with a fake in tests
func WithCallUpdater(u CallUpdater) Option {
	return func(c *Client) {
		c.calls = u
	}
}

// WithUserCreator replaces the Conversations API
func WithUserCreator(u UserCreator) Option {
	return func(c *Client) {
		c.users = u
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a gateway for the given account. When authToken is empty
// inbound signatures are not checked.
func NewClient(accountSID, authToken string, opts ...Option) *Client {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	c := &Client{
		calls:  rest.Api,
		users:  rest.ConversationsV1,
		logger: zap.NewNop(),
		state:  make(map[model.ConnectionID]*callRecord),
	}
	if authToken != "" {
		v := client.NewRequestValidator(authToken)
		c.validator = &v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Answer registers where the call's events are delivered. Twilio has already
// connected the call by the time the voice webhook runs, so the CallSid
// carried in IncomingCallContext becomes the connection ID.
func (c *Client) Answer(ctx context.Context, req model.AnswerRequest) (model.ConnectionID, error) {
	if req.IncomingCallContext == "" {
		return "", fmt.Errorf("answer call: missing CallSid")
	}
	conn := model.ConnectionID(req.IncomingCallContext)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.state[conn]; exists {
		return conn, nil
	}
	c.state[conn] = &callRecord{callbackURI: req.CallbackURI}
	return conn, nil
}

// Release forgets a finished call
func (c *Client) Release(conn model.ConnectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, conn)
}

// Execute renders cmds as TwiML. Inside a webhook request the TwiML becomes
// the response; otherwise it replaces the live call's instructions.
func (c *Client) Execute(ctx context.Context, conn model.ConnectionID, cmds []model.Command) error {
	c.mu.Lock()
	rec, ok := c.state[conn]
	var callbackURI string
	if ok {
		callbackURI = rec.callbackURI
		for _, cmd := range cmds {
			if r, isRecognize := cmd.(model.StartRecognize); isRecognize {
				rec.recognize = &r
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("execute on %s: %w", conn, ErrUnknownCall)
	}

	verbs, err := renderCommands(callbackURI, cmds)
	if err != nil {
		return fmt.Errorf("execute on %s: %w", conn, err)
	}

	if resp := responderFrom(ctx); resp != nil {
		resp.append(verbs...)
		return nil
	}

	params := &twilioopenapi.UpdateCallParams{}
	if isLoneHangUp(cmds) {
		params.SetStatus("completed")
	} else {
		doc, err := renderDocument(verbs)
		if err != nil {
			return fmt.Errorf("execute on %s: %w", conn, err)
		}
		params.SetTwiml(doc)
	}
	if _, err := c.calls.UpdateCall(string(conn), params); err != nil {
		return fmt.Errorf("update call %s: %w", conn, err)
	}
	c.logger.Debug("pushed call update", zap.String("call_sid", conn.String()), zap.Int("commands", len(cmds)))
	return nil
}

// CreateUser provisions the service's Conversations identity and returns its SID
func (c *Client) CreateUser(ctx context.Context) (string, error) {
	params := &conversations.CreateUserParams{}
	params.SetIdentity("callflow-" + uuid.NewString())
	user, err := c.users.CreateUser(params)
	if err != nil {
		return "", fmt.Errorf("create identity: %w", err)
	}
	if user == nil || user.Sid == nil {
		return "", fmt.Errorf("create identity: response has no sid")
	}
	return *user.Sid, nil
}

func isLoneHangUp(cmds []model.Command) bool {
	if len(cmds) != 1 {
		return false
	}
	_, ok := cmds[0].(model.HangUp)
	return ok
}
