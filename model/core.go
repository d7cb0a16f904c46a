// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"fmt"
	"time"
)

// ConnectionID identifies a call connection on the call gateway
type ConnectionID string

func (c ConnectionID) String() string {
	return string(c)
}

// DialogState is the position of a call in the IVR dialog
type DialogState string

const (
	StateStart          DialogState = "start"
	StateAwaitingChoice DialogState = "awaiting-choice"
	StateEnding         DialogState = "ending"
	StateTerminated     DialogState = "terminated"
)

func (s DialogState) IsTerminal() bool {
	switch s {
	case StateTerminated:
		return true
	case StateStart, StateAwaitingChoice, StateEnding:
		return false
	default:
		panic(fmt.Sprintf("unknown dialog state: %s", s))
	}
}

// Operation context tags attached to play and recognize commands. The gateway
// echoes them back on the matching completion event.
const (
	TagUserMessage                = "UserMessage"
	TagEndTone                    = "EndTone"
	TagEndCall                    = "EndCall"
	TagNoResponseToChoice         = "NoResponseToChoice"
	TagResponseToChoiceNotMatched = "ResponseToChoiceNotMatched"
)

// IsEndingTag reports whether tag marks a farewell prompt after which the call is hung up
func IsEndingTag(tag string) bool {
	switch tag {
	case TagEndCall, TagNoResponseToChoice, TagResponseToChoiceNotMatched:
		return true
	}
	return false
}

// Session represents one phone call handled by the dialog
type Session struct {
	ConnectionID     ConnectionID    `json:"connection_id"`
	ContextID        string          `json:"context_id"`
	CallerID         string          `json:"caller_id,omitempty"`
	Prompt           string          `json:"prompt"`
	State            DialogState     `json:"state"`
	OperationContext string          `json:"operation_context,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Timeline         []TimelineEntry `json:"timeline"`
}

// Clone returns a deep copy safe to hand out of the engine
func (s *Session) Clone() *Session {
	c := *s
	c.Timeline = make([]TimelineEntry, len(s.Timeline))
	copy(c.Timeline, s.Timeline)
	return &c
}

// TimelineEntry records something that happened to a session
type TimelineEntry struct {
	Time   time.Time      `json:"time"`
	Type   string         `json:"type"` // "event.received", "command.issued", "command.failed", "state.changed"
	Detail map[string]any `json:"detail"`
}

// NewTimelineEntry creates a new timeline entry
func NewTimelineEntry(t time.Time, entryType string, detail map[string]any) TimelineEntry {
	if detail == nil {
		detail = make(map[string]any)
	}
	return TimelineEntry{
		Time:   t,
		Type:   entryType,
		Detail: detail,
	}
}

// AnswerRequest carries what the gateway needs to pick up an incoming call
type AnswerRequest struct {
	IncomingCallContext string
	CallbackURI         string
	CallerID            string
	// CognitiveServicesEndpoint is the speech service used for play and recognize
	CognitiveServicesEndpoint string
}
