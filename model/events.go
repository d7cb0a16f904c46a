// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"strconv"
	"strings"
)

// EventKind enumerates the dialog events the engine dispatches on
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCallConnected
	KindCallDisconnected
	KindRecognizeCompleted
	KindRecognizeFailed
	KindPlayCompleted
	KindPlayFailed
)

var eventKindNames = map[EventKind]string{
	KindUnknown:            "Unknown",
	KindCallConnected:      "CallConnected",
	KindCallDisconnected:   "CallDisconnected",
	KindRecognizeCompleted: "RecognizeCompleted",
	KindRecognizeFailed:    "RecognizeFailed",
	KindPlayCompleted:      "PlayCompleted",
	KindPlayFailed:         "PlayFailed",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// Event is a lifecycle notification emitted by the call gateway
type Event interface {
	Kind() EventKind
	Header() EventHeader
	isEvent()
}

// EventHeader holds the fields every gateway event carries
type EventHeader struct {
	ConnectionID     ConnectionID
	OperationContext string
	CorrelationID    string
}

func (h EventHeader) Header() EventHeader { return h }

type CallConnected struct {
	EventHeader
}

func (CallConnected) Kind() EventKind { return KindCallConnected }
func (CallConnected) isEvent()        {}

type CallDisconnected struct {
	EventHeader
}

func (CallDisconnected) Kind() EventKind { return KindCallDisconnected }
func (CallDisconnected) isEvent()        {}

// RecognizeCompleted reports caller input that satisfied a recognize operation
type RecognizeCompleted struct {
	EventHeader
	Result RecognizeResult
}

func (RecognizeCompleted) Kind() EventKind { return KindRecognizeCompleted }
func (RecognizeCompleted) isEvent()        {}

type RecognizeFailed struct {
	EventHeader
	Reason ReasonCode
}

func (RecognizeFailed) Kind() EventKind { return KindRecognizeFailed }
func (RecognizeFailed) isEvent()        {}

type PlayCompleted struct {
	EventHeader
}

func (PlayCompleted) Kind() EventKind { return KindPlayCompleted }
func (PlayCompleted) isEvent()        {}

type PlayFailed struct {
	EventHeader
	Reason ReasonCode
}

func (PlayFailed) Kind() EventKind { return KindPlayFailed }
func (PlayFailed) isEvent()        {}

// UnknownEvent wraps gateway events the dialog does not act on
type UnknownEvent struct {
	EventHeader
	Type string
}

func (UnknownEvent) Kind() EventKind { return KindUnknown }
func (UnknownEvent) isEvent()        {}

// RecognizeResult is the payload of a RecognizeCompleted event
type RecognizeResult interface {
	isRecognizeResult()
}

// ChoiceResult is a match against one of the configured choices
type ChoiceResult struct {
	Label            string
	RecognizedPhrase string
}

func (ChoiceResult) isRecognizeResult() {}

// SpeechResult is free-form recognized speech
type SpeechResult struct {
	Speech string
}

func (SpeechResult) isRecognizeResult() {}

// DtmfResult is a sequence of collected key presses
type DtmfResult struct {
	Tones []DtmfTone
}

func (DtmfResult) isRecognizeResult() {}

// ReasonCode is the gateway's result sub-code explaining a failed operation
type ReasonCode int

const (
	ReasonNone                   ReasonCode = 0
	ReasonOperationCancelled     ReasonCode = 8508
	ReasonInitialSilenceTimedOut ReasonCode = 8510
	ReasonPlayPromptFailed       ReasonCode = 8511
	ReasonInterToneTimedOut      ReasonCode = 8532
	ReasonIncorrectToneDetected  ReasonCode = 8534
	ReasonSpeechOptionNotMatched ReasonCode = 8547
	ReasonSpeechNotRecognized    ReasonCode = 8563
)

var reasonNames = map[ReasonCode]string{
	ReasonNone:                   "None",
	ReasonOperationCancelled:     "OperationCancelled",
	ReasonInitialSilenceTimedOut: "InitialSilenceTimedOut",
	ReasonPlayPromptFailed:       "PlayPromptFailed",
	ReasonInterToneTimedOut:      "InterToneTimedOut",
	ReasonIncorrectToneDetected:  "IncorrectToneDetected",
	ReasonSpeechOptionNotMatched: "SpeechOptionNotMatched",
	ReasonSpeechNotRecognized:    "SpeechNotRecognized",
}

func (r ReasonCode) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "ReasonCode(" + strconv.Itoa(int(r)) + ")"
}

// DtmfTone names a telephone keypad tone the way the gateway spells it
type DtmfTone string

const (
	ToneZero  DtmfTone = "zero"
	ToneOne   DtmfTone = "one"
	ToneTwo   DtmfTone = "two"
	ToneThree DtmfTone = "three"
	ToneFour  DtmfTone = "four"
	ToneFive  DtmfTone = "five"
	ToneSix   DtmfTone = "six"
	ToneSeven DtmfTone = "seven"
	ToneEight DtmfTone = "eight"
	ToneNine  DtmfTone = "nine"
	ToneStar  DtmfTone = "asterisk"
	TonePound DtmfTone = "pound"
)

var toneDigits = map[DtmfTone]string{
	ToneZero: "0", ToneOne: "1", ToneTwo: "2", ToneThree: "3", ToneFour: "4",
	ToneFive: "5", ToneSix: "6", ToneSeven: "7", ToneEight: "8", ToneNine: "9",
	ToneStar: "*", TonePound: "#",
}

// Digit returns the keypad character for the tone, or "" if unknown
func (t DtmfTone) Digit() string {
	return toneDigits[DtmfTone(strings.ToLower(string(t)))]
}

// ToneForDigit maps a keypad character back to its tone
func ToneForDigit(digit string) (DtmfTone, bool) {
	for tone, d := range toneDigits {
		if d == digit {
			return tone, true
		}
	}
	return "", false
}
