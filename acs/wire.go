// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package acs

// Request and response bodies of the Call Automation and Identity REST APIs.

type communicationIdentifier struct {
	RawID string `json:"rawId"`
}

type callIntelligenceOptions struct {
	CognitiveServicesEndpoint string `json:"cognitiveServicesEndpoint,omitempty"`
}

type answerCallRequest struct {
	IncomingCallContext     string                   `json:"incomingCallContext"`
	CallbackURI             string                   `json:"callbackUri"`
	CallIntelligenceOptions *callIntelligenceOptions `json:"callIntelligenceOptions,omitempty"`
}

type callConnectionProperties struct {
	CallConnectionID string `json:"callConnectionId"`
	ServerCallID     string `json:"serverCallId"`
	CallbackURI      string `json:"callbackUri"`
}

type textSource struct {
	Text      string `json:"text"`
	VoiceName string `json:"voiceName,omitempty"`
}

type playSource struct {
	Kind string      `json:"kind"`
	Text *textSource `json:"text,omitempty"`
}

type playOptions struct {
	Loop bool `json:"loop"`
}

type playRequest struct {
	PlaySources      []playSource              `json:"playSources"`
	PlayTo           []communicationIdentifier `json:"playTo"`
	PlayOptions      playOptions               `json:"playOptions"`
	OperationContext string                    `json:"operationContext,omitempty"`
}

type recognitionChoice struct {
	Label   string   `json:"label"`
	Phrases []string `json:"phrases"`
	Tone    string   `json:"tone,omitempty"`
}

type speechOptions struct {
	EndSilenceTimeoutInMs int64 `json:"endSilenceTimeoutInMs,omitempty"`
}

type recognizeOptions struct {
	InterruptPrompt                bool                    `json:"interruptPrompt"`
	InitialSilenceTimeoutInSeconds int                     `json:"initialSilenceTimeoutInSeconds"`
	TargetParticipant              communicationIdentifier `json:"targetParticipant"`
	Choices                        []recognitionChoice     `json:"choices,omitempty"`
	SpeechOptions                  *speechOptions          `json:"speechOptions,omitempty"`
}

type recognizeRequest struct {
	RecognizeInputType          string           `json:"recognizeInputType"`
	PlayPrompt                  *playSource      `json:"playPrompt,omitempty"`
	InterruptCallMediaOperation bool             `json:"interruptCallMediaOperation"`
	RecognizeOptions            recognizeOptions `json:"recognizeOptions"`
	OperationContext            string           `json:"operationContext,omitempty"`
}

type createIdentityResponse struct {
	Identity struct {
		ID string `json:"id"`
	} `json:"identity"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
