// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twilioapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/sprucehealth/callflow/model"
)

const (
	CallbackKindPlay      = "play"
	CallbackKindRecognize = "recognize"
)

type responderKey struct{}

// Responder collects the TwiML verbs produced while a webhook request is
// being handled
type Responder struct {
	mu    sync.Mutex
	verbs []twiml.Element
}

// WithResponder returns a context whose commands are rendered into the
// returned Responder instead of being pushed over REST
func WithResponder(ctx context.Context) (context.Context, *Responder) {
	r := &Responder{}
	return context.WithValue(ctx, responderKey{}, r), r
}

func responderFrom(ctx context.Context) *Responder {
	r, _ := ctx.Value(responderKey{}).(*Responder)
	return r
}

func (r *Responder) append(verbs ...twiml.Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verbs = append(r.verbs, verbs...)
}

// Empty reports whether no command was rendered
func (r *Responder) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.verbs) == 0
}

// TwiML renders the collected verbs as a <Response> document
func (r *Responder) TwiML() (string, error) {
	r.mu.Lock()
	verbs := make([]twiml.Element, len(r.verbs))
	copy(verbs, r.verbs)
	r.mu.Unlock()
	return renderDocument(verbs)
}

func renderDocument(verbs []twiml.Element) (string, error) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return doc, nil
}

// renderCommands maps commands onto TwiML verbs. A <Say> only redirects to the
// play callback when it is the last verb, because <Redirect> ends execution of
// the document.
func renderCommands(callbackURI string, cmds []model.Command) ([]twiml.Element, error) {
	var verbs []twiml.Element
	for i, cmd := range cmds {
		last := i == len(cmds)-1
		switch cmd := cmd.(type) {
		case model.PlayPrompt:
			say := &twiml.VoiceSay{Message: cmd.Text}
			if cmd.Loop {
				say.Loop = "0"
			}
			verbs = append(verbs, say)
			if last {
				action, err := callbackURL(callbackURI, CallbackKindPlay, cmd.OperationContext)
				if err != nil {
					return nil, err
				}
				verbs = append(verbs, &twiml.VoiceRedirect{Url: action, Method: "POST"})
			}
		case model.StartRecognize:
			gather, err := renderGather(callbackURI, cmd)
			if err != nil {
				return nil, err
			}
			verbs = append(verbs, gather)
		case model.HangUp:
			verbs = append(verbs, &twiml.VoiceHangup{})
		default:
			return nil, fmt.Errorf("unsupported command %T", cmd)
		}
	}
	return verbs, nil
}

func renderGather(callbackURI string, cmd model.StartRecognize) (*twiml.VoiceGather, error) {
	action, err := callbackURL(callbackURI, CallbackKindRecognize, cmd.OperationContext)
	if err != nil {
		return nil, err
	}
	timeout := cmd.InitialSilenceTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	gather := &twiml.VoiceGather{
		Action:              action,
		Method:              "POST",
		Timeout:             strconv.Itoa(int(timeout / time.Second)),
		ActionOnEmptyResult: "true",
		BargeIn:             strconv.FormatBool(cmd.InterruptPrompt),
	}
	switch cmd.Input {
	case model.InputChoice:
		gather.Input = "dtmf speech"
		gather.NumDigits = "1"
		var hints []string
		for _, ch := range cmd.Choices {
			hints = append(hints, ch.Phrases...)
		}
		gather.Hints = strings.Join(hints, ", ")
	case model.InputSpeech:
		gather.Input = "speech"
		gather.SpeechTimeout = "auto"
	default:
		return nil, fmt.Errorf("unsupported recognize input %q", cmd.Input)
	}
	if cmd.Prompt != "" {
		gather.InnerElements = []twiml.Element{&twiml.VoiceSay{Message: cmd.Prompt}}
	}
	return gather, nil
}

// callbackURL adds the callback kind and operation context to the call's
// registered callback URI
func callbackURL(callbackURI, kind, operationContext string) (string, error) {
	u, err := url.Parse(callbackURI)
	if err != nil {
		return "", fmt.Errorf("parse callback uri: %w", err)
	}
	q := u.Query()
	q.Set("kind", kind)
	if operationContext != "" {
		q.Set("operationContext", operationContext)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
