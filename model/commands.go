// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import "time"

// Command is an instruction the dialog issues against the call gateway
type Command interface {
	isCommand()
}

// PlayPrompt speaks Text to everyone on the call
type PlayPrompt struct {
	Text             string
	OperationContext string
	Loop             bool
	// Target limits playback to one participant; empty plays to all
	Target string
}

func (PlayPrompt) isCommand() {}

// RecognizeInput selects how caller input is collected
type RecognizeInput string

const (
	InputChoice RecognizeInput = "choices"
	InputSpeech RecognizeInput = "speech"
)

// Choice is one recognizable option: spoken phrases or a keypad tone
type Choice struct {
	Label   string
	Phrases []string
	Tone    DtmfTone
}

// StartRecognize plays Prompt and waits for caller input
type StartRecognize struct {
	Input                 RecognizeInput
	Target                string
	Choices               []Choice
	Prompt                string
	InitialSilenceTimeout time.Duration
	InterruptPrompt       bool
	OperationContext      string
}

func (StartRecognize) isCommand() {}

type HangUp struct {
	ForEveryone bool
}

func (HangUp) isCommand() {}

// CommandName returns a short name for logs and timelines
func CommandName(c Command) string {
	switch c.(type) {
	case PlayPrompt:
		return "play"
	case StartRecognize:
		return "recognize"
	case HangUp:
		return "hangup"
	default:
		return "unknown"
	}
}
