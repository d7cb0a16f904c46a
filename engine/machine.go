// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap/zapcore"

	"github.com/sprucehealth/callflow/model"
)

// Scripted prompts
const (
	PromptRecognize      = "To end the call, please press one or say end call"
	PromptEndCall        = "You've chosen to end the call. Goodbye!"
	PromptNoResponse     = "No input received and recognition timed out. Your call will be disconnected, thank you!"
	PromptInvalidSpeech  = "Invalid speech phrase detected. Your call will be disconnected, thank you!"
	PromptInvalidTone    = "An invalid key was pressed. Your call will be disconnected, thank you!"
	DefaultSilenceWindow = 10 * time.Second
)

// Dialog configures what the state machine says and listens for
type Dialog struct {
	Input                 model.RecognizeInput
	Choices               []model.Choice
	RecognizePrompt       string
	InitialSilenceTimeout time.Duration
}

// NewDialog returns the end-call menu for the given recognition input
func NewDialog(input model.RecognizeInput) Dialog {
	if input == "" {
		input = model.InputChoice
	}
	return Dialog{
		Input: input,
		Choices: []model.Choice{
			{
				Label:   model.TagEndCall,
				Phrases: []string{"end call", "hang up", "One"},
				Tone:    model.ToneOne,
			},
		},
		RecognizePrompt:       PromptRecognize,
		InitialSilenceTimeout: DefaultSilenceWindow,
	}
}

// Outcome is the result of feeding one event to the machine
type Outcome struct {
	Next model.DialogState
	// Tag is the operation context after the commands are issued; empty keeps the current one
	Tag      string
	Commands []model.Command
	// Note explains why nothing was done, logged at Level
	Note  string
	Level zapcore.Level
}

// Handled reports whether the outcome issues commands or changes state
func (o Outcome) Handled(from model.DialogState) bool {
	return len(o.Commands) > 0 || o.Next != from
}

type transitionFunc func(d *Dialog, s *model.Session, ev model.Event) Outcome

// transitions is keyed by state then event kind. A missing entry means the
// event is ignored in that state; terminated has none so replays are no-ops.
var transitions = map[model.DialogState]map[model.EventKind]transitionFunc{
	model.StateStart: {
		model.KindCallConnected:      (*Dialog).onConnected,
		model.KindRecognizeCompleted: (*Dialog).onRecognizeCompleted,
		model.KindRecognizeFailed:    (*Dialog).onRecognizeFailed,
		model.KindPlayCompleted:      (*Dialog).onPlayCompleted,
		model.KindPlayFailed:         (*Dialog).onPlayFailed,
		model.KindCallDisconnected:   (*Dialog).onDisconnected,
	},
	model.StateAwaitingChoice: {
		model.KindRecognizeCompleted: (*Dialog).onRecognizeCompleted,
		model.KindRecognizeFailed:    (*Dialog).onRecognizeFailed,
		model.KindPlayCompleted:      (*Dialog).onPlayCompleted,
		model.KindPlayFailed:         (*Dialog).onPlayFailed,
		model.KindCallDisconnected:   (*Dialog).onDisconnected,
	},
	model.StateEnding: {
		model.KindPlayCompleted:    (*Dialog).onPlayCompleted,
		model.KindPlayFailed:       (*Dialog).onPlayFailed,
		model.KindCallDisconnected: (*Dialog).onDisconnected,
	},
	model.StateTerminated: {},
}

// Transition decides what to do with ev given the session's current state.
// It does not mutate the session.
func (d *Dialog) Transition(s *model.Session, ev model.Event) Outcome {
	byKind, ok := transitions[s.State]
	if !ok {
		return ignore(s, zapcore.ErrorLevel, "no transitions for state %q", s.State)
	}
	fn, ok := byKind[ev.Kind()]
	if !ok {
		level := zapcore.InfoLevel
		if ev.Kind() == model.KindUnknown {
			level = zapcore.DebugLevel
		}
		return ignore(s, level, "%s ignored in state %s", eventName(ev), s.State)
	}
	return fn(d, s, ev)
}

func (d *Dialog) onConnected(s *model.Session, _ model.Event) Outcome {
	return Outcome{
		Next: model.StateAwaitingChoice,
		Tag:  model.TagEndTone,
		Commands: []model.Command{
			model.PlayPrompt{
				Text:             s.Prompt,
				OperationContext: model.TagUserMessage,
			},
			model.StartRecognize{
				Input:                 d.Input,
				Target:                s.CallerID,
				Choices:               d.Choices,
				Prompt:                d.RecognizePrompt,
				InitialSilenceTimeout: d.InitialSilenceTimeout,
				InterruptPrompt:       false,
				OperationContext:      model.TagEndTone,
			},
		},
	}
}

func (d *Dialog) onRecognizeCompleted(s *model.Session, ev model.Event) Outcome {
	rc := ev.(model.RecognizeCompleted)
	choice, ok := d.matchResult(rc.Result)
	if !ok || !strings.EqualFold(choice.Label, model.TagEndCall) {
		return ignore(s, zapcore.ErrorLevel, "unexpected recognize result %s", describeResult(rc.Result))
	}
	return farewell(PromptEndCall, model.TagEndCall)
}

func (d *Dialog) onRecognizeFailed(s *model.Session, ev model.Event) Outcome {
	rf := ev.(model.RecognizeFailed)
	switch rf.Reason {
	case model.ReasonInitialSilenceTimedOut:
		return farewell(PromptNoResponse, model.TagNoResponseToChoice)
	case model.ReasonSpeechOptionNotMatched:
		return farewell(PromptInvalidSpeech, model.TagResponseToChoiceNotMatched)
	case model.ReasonIncorrectToneDetected:
		return farewell(PromptInvalidTone, model.TagResponseToChoiceNotMatched)
	default:
		return ignore(s, zapcore.WarnLevel, "unhandled recognize failure reason %s", rf.Reason)
	}
}

func (d *Dialog) onPlayCompleted(s *model.Session, ev model.Event) Outcome {
	tag := ev.Header().OperationContext
	if !model.IsEndingTag(tag) {
		return ignore(s, zapcore.DebugLevel, "play completed for %q", tag)
	}
	out := hangUp()
	if s.State == model.StateEnding && !strings.EqualFold(tag, s.OperationContext) {
		out.Note = fmt.Sprintf("play completed for %q while ending %q", tag, s.OperationContext)
		out.Level = zapcore.WarnLevel
	}
	return out
}

func (d *Dialog) onPlayFailed(_ *model.Session, _ model.Event) Outcome {
	return hangUp()
}

func (d *Dialog) onDisconnected(_ *model.Session, _ model.Event) Outcome {
	return Outcome{Next: model.StateTerminated}
}

// matchResult resolves any recognition modality to a configured choice
func (d *Dialog) matchResult(result model.RecognizeResult) (model.Choice, bool) {
	switch r := result.(type) {
	case model.ChoiceResult:
		for _, c := range d.Choices {
			if strings.EqualFold(c.Label, r.Label) {
				return c, true
			}
		}
	case model.SpeechResult:
		return MatchPhrase(d.Choices, r.Speech)
	case model.DtmfResult:
		for _, tone := range r.Tones {
			if c, ok := MatchTone(d.Choices, tone); ok {
				return c, true
			}
		}
	}
	return model.Choice{}, false
}

// MatchPhrase finds the choice whose phrase equals the normalized utterance
func MatchPhrase(choices []model.Choice, utterance string) (model.Choice, bool) {
	norm := normalizePhrase(utterance)
	if norm == "" {
		return model.Choice{}, false
	}
	for _, c := range choices {
		for _, p := range c.Phrases {
			if normalizePhrase(p) == norm {
				return c, true
			}
		}
	}
	return model.Choice{}, false
}

// MatchTone finds the choice bound to tone
func MatchTone(choices []model.Choice, tone model.DtmfTone) (model.Choice, bool) {
	for _, c := range choices {
		if c.Tone != "" && strings.EqualFold(string(c.Tone), string(tone)) {
			return c, true
		}
	}
	return model.Choice{}, false
}

func normalizePhrase(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func farewell(text, tag string) Outcome {
	return Outcome{
		Next: model.StateEnding,
		Tag:  tag,
		Commands: []model.Command{
			model.PlayPrompt{Text: text, OperationContext: tag, Loop: false},
		},
	}
}

func hangUp() Outcome {
	return Outcome{
		Next:     model.StateTerminated,
		Commands: []model.Command{model.HangUp{ForEveryone: true}},
	}
}

func ignore(s *model.Session, level zapcore.Level, format string, args ...any) Outcome {
	return Outcome{
		Next:  s.State,
		Note:  fmt.Sprintf(format, args...),
		Level: level,
	}
}

func eventName(ev model.Event) string {
	if u, ok := ev.(model.UnknownEvent); ok && u.Type != "" {
		return u.Type
	}
	return ev.Kind().String()
}

func describeResult(r model.RecognizeResult) string {
	switch r := r.(type) {
	case model.ChoiceResult:
		return fmt.Sprintf("choice %q", r.Label)
	case model.SpeechResult:
		return fmt.Sprintf("speech %q", r.Speech)
	case model.DtmfResult:
		return fmt.Sprintf("tones %v", r.Tones)
	case nil:
		return "<none>"
	default:
		return fmt.Sprintf("%T", r)
	}
}
