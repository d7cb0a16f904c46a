// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package acs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sprucehealth/callflow/model"
)

const (
	EventTypeSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	EventTypeIncomingCall           = "Microsoft.Communication.IncomingCall"

	callEventPrefix = "Microsoft.Communication."
)

// EventGridEvent is one element of an Event Grid delivery batch
type EventGridEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic,omitempty"`
	Subject     string          `json:"subject"`
	EventType   string          `json:"eventType"`
	EventTime   time.Time       `json:"eventTime"`
	DataVersion string          `json:"dataVersion"`
	Data        json.RawMessage `json:"data"`
}

// SubscriptionValidationData is the handshake Event Grid sends when a
// subscription is created
type SubscriptionValidationData struct {
	ValidationCode string `json:"validationCode"`
	ValidationURL  string `json:"validationUrl,omitempty"`
}

// ValidationResponse is the reply that completes the handshake
type ValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// CommunicationIdentifier identifies a call participant
type CommunicationIdentifier struct {
	Kind        string `json:"kind,omitempty"`
	RawID       string `json:"rawId"`
	PhoneNumber *struct {
		Value string `json:"value"`
	} `json:"phoneNumber,omitempty"`
}

// IncomingCallData is the payload of Microsoft.Communication.IncomingCall
type IncomingCallData struct {
	To                  CommunicationIdentifier `json:"to"`
	From                CommunicationIdentifier `json:"from"`
	ServerCallID        string                  `json:"serverCallId"`
	CallerDisplayName   string                  `json:"callerDisplayName"`
	IncomingCallContext string                  `json:"incomingCallContext"`
	CorrelationID       string                  `json:"correlationId"`
}

// DecodeEventGridEvents parses an Event Grid delivery. Event Grid always posts
// an array; a single object is tolerated.
func DecodeEventGridEvents(body []byte) ([]EventGridEvent, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("decode event grid events: empty body")
	}
	if strings.HasPrefix(trimmed, "{") {
		var ev EventGridEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("decode event grid event: %w", err)
		}
		return []EventGridEvent{ev}, nil
	}
	var events []EventGridEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode event grid events: %w", err)
	}
	return events, nil
}

// ValidationData decodes the payload of a subscription validation event
func (e EventGridEvent) ValidationData() (SubscriptionValidationData, error) {
	var d SubscriptionValidationData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, fmt.Errorf("decode validation data: %w", err)
	}
	if d.ValidationCode == "" {
		return d, fmt.Errorf("decode validation data: missing validationCode")
	}
	return d, nil
}

// IncomingCall decodes the payload of an incoming call event
func (e EventGridEvent) IncomingCall() (IncomingCallData, error) {
	var d IncomingCallData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, fmt.Errorf("decode incoming call data: %w", err)
	}
	if d.IncomingCallContext == "" {
		return d, fmt.Errorf("decode incoming call data: missing incomingCallContext")
	}
	return d, nil
}

// CloudEvent is one element of a Call Automation callback batch
type CloudEvent struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	SpecVersion     string          `json:"specversion"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// ResultInformation explains the outcome of a media operation
type ResultInformation struct {
	Code    int    `json:"code"`
	SubCode int    `json:"subCode"`
	Message string `json:"message"`
}

type callEventData struct {
	CallConnectionID  string             `json:"callConnectionId"`
	ServerCallID      string             `json:"serverCallId"`
	CorrelationID     string             `json:"correlationId"`
	OperationContext  string             `json:"operationContext"`
	ResultInformation *ResultInformation `json:"resultInformation"`
	RecognitionType   string             `json:"recognitionType"`
	ChoiceResult      *struct {
		Label            string `json:"label"`
		RecognizedPhrase string `json:"recognizedPhrase"`
	} `json:"choiceResult"`
	DtmfResult *struct {
		Tones []string `json:"tones"`
	} `json:"dtmfResult"`
	SpeechResult *struct {
		Speech string `json:"speech"`
	} `json:"speechResult"`
}

// DecodeCloudEvents parses a callback delivery. A single object is tolerated.
func DecodeCloudEvents(body []byte) ([]CloudEvent, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("decode cloud events: empty body")
	}
	if strings.HasPrefix(trimmed, "{") {
		var ev CloudEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("decode cloud event: %w", err)
		}
		return []CloudEvent{ev}, nil
	}
	var events []CloudEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode cloud events: %w", err)
	}
	return events, nil
}

// ParseEvent converts a callback CloudEvent into a dialog event. Types the
// dialog does not act on become model.UnknownEvent.
func ParseEvent(ce CloudEvent) (model.Event, error) {
	var d callEventData
	if len(ce.Data) > 0 {
		if err := json.Unmarshal(ce.Data, &d); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", ce.Type, err)
		}
	}
	hdr := model.EventHeader{
		ConnectionID:     model.ConnectionID(d.CallConnectionID),
		OperationContext: d.OperationContext,
		CorrelationID:    d.CorrelationID,
	}

	switch strings.TrimPrefix(ce.Type, callEventPrefix) {
	case "CallConnected":
		return model.CallConnected{EventHeader: hdr}, nil
	case "CallDisconnected":
		return model.CallDisconnected{EventHeader: hdr}, nil
	case "RecognizeCompleted":
		return model.RecognizeCompleted{EventHeader: hdr, Result: d.recognizeResult()}, nil
	case "RecognizeFailed":
		return model.RecognizeFailed{EventHeader: hdr, Reason: d.reason()}, nil
	case "PlayCompleted":
		return model.PlayCompleted{EventHeader: hdr}, nil
	case "PlayFailed":
		return model.PlayFailed{EventHeader: hdr, Reason: d.reason()}, nil
	default:
		return model.UnknownEvent{EventHeader: hdr, Type: ce.Type}, nil
	}
}

func (d callEventData) reason() model.ReasonCode {
	if d.ResultInformation == nil {
		return model.ReasonNone
	}
	return model.ReasonCode(d.ResultInformation.SubCode)
}

func (d callEventData) recognizeResult() model.RecognizeResult {
	switch {
	case d.ChoiceResult != nil:
		return model.ChoiceResult{Label: d.ChoiceResult.Label, RecognizedPhrase: d.ChoiceResult.RecognizedPhrase}
	case d.DtmfResult != nil:
		tones := make([]model.DtmfTone, len(d.DtmfResult.Tones))
		for i, t := range d.DtmfResult.Tones {
			tones[i] = model.DtmfTone(strings.ToLower(t))
		}
		return model.DtmfResult{Tones: tones}
	case d.SpeechResult != nil:
		return model.SpeechResult{Speech: d.SpeechResult.Speech}
	default:
		return nil
	}
}
