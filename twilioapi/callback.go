// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twilioapi

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sprucehealth/callflow/engine"
	"github.com/sprucehealth/callflow/model"
)

// TranslateCallback turns a Gather action or post-Say redirect into a dialog
// event. The pending recognize for the call decides how input is matched.
func (c *Client) TranslateCallback(conn model.ConnectionID, kind, operationContext string, form url.Values) (model.Event, error) {
	hdr := model.EventHeader{ConnectionID: conn, OperationContext: operationContext}

	switch kind {
	case CallbackKindPlay:
		return model.PlayCompleted{EventHeader: hdr}, nil
	case CallbackKindRecognize:
		c.mu.Lock()
		var pending *model.StartRecognize
		if rec, ok := c.state[conn]; ok {
			pending = rec.recognize
			rec.recognize = nil
		}
		c.mu.Unlock()
		return translateGather(hdr, pending, form), nil
	default:
		return nil, fmt.Errorf("unknown callback kind %q", kind)
	}
}

func translateGather(hdr model.EventHeader, pending *model.StartRecognize, form url.Values) model.Event {
	digits := strings.TrimSpace(form.Get("Digits"))
	speech := strings.TrimSpace(form.Get("SpeechResult"))

	if digits == "" && speech == "" {
		return model.RecognizeFailed{EventHeader: hdr, Reason: model.ReasonInitialSilenceTimedOut}
	}

	if digits != "" {
		tone, ok := model.ToneForDigit(digits[:1])
		if pending == nil || pending.Input != model.InputChoice {
			if !ok {
				return model.RecognizeFailed{EventHeader: hdr, Reason: model.ReasonIncorrectToneDetected}
			}
			return model.RecognizeCompleted{EventHeader: hdr, Result: model.DtmfResult{Tones: []model.DtmfTone{tone}}}
		}
		if ok {
			if choice, matched := engine.MatchTone(pending.Choices, tone); matched {
				return model.RecognizeCompleted{EventHeader: hdr, Result: model.ChoiceResult{Label: choice.Label}}
			}
		}
		return model.RecognizeFailed{EventHeader: hdr, Reason: model.ReasonIncorrectToneDetected}
	}

	if pending == nil || pending.Input == model.InputSpeech {
		return model.RecognizeCompleted{EventHeader: hdr, Result: model.SpeechResult{Speech: speech}}
	}
	if choice, ok := engine.MatchPhrase(pending.Choices, speech); ok {
		return model.RecognizeCompleted{EventHeader: hdr, Result: model.ChoiceResult{Label: choice.Label, RecognizedPhrase: speech}}
	}
	return model.RecognizeFailed{EventHeader: hdr, Reason: model.ReasonSpeechOptionNotMatched}
}

// IsTerminalStatus reports whether a status callback's CallStatus means the call is over
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	default:
		return false
	}
}

// ValidateRequest checks the X-Twilio-Signature of a form-encoded webhook
// against the full public URL Twilio posted to
func (c *Client) ValidateRequest(fullURL string, form url.Values, signature string) bool {
	if c.validator == nil {
		return true
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return c.validator.Validate(fullURL, params, signature)
}
