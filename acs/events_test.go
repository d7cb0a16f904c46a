// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package acs_test

import (
	"reflect"
	"testing"

	"github.com/sprucehealth/callflow/acs"
	"github.com/sprucehealth/callflow/model"
)

func TestDecodeEventGridValidation(t *testing.T) {
	body := []byte(`[{
		"id": "2d1781af-3a4c-4d7c-bd0c-e34b19da4e66",
		"subject": "",
		"eventType": "Microsoft.EventGrid.SubscriptionValidationEvent",
		"eventTime": "2024-01-01T00:00:00Z",
		"dataVersion": "2",
		"data": {"validationCode": "512d38b6-c7b8-40c8-89fe-f46f9e9622b6"}
	}]`)
	events, err := acs.DecodeEventGridEvents(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != acs.EventTypeSubscriptionValidation {
		t.Fatalf("Unexpected events %+v", events)
	}
	d, err := events[0].ValidationData()
	if err != nil {
		t.Fatal(err)
	}
	if d.ValidationCode != "512d38b6-c7b8-40c8-89fe-f46f9e9622b6" {
		t.Errorf("Unexpected code %s", d.ValidationCode)
	}
}

func TestDecodeEventGridIncomingCall(t *testing.T) {
	body := []byte(`[{
		"id": "1",
		"eventType": "Microsoft.Communication.IncomingCall",
		"data": {
			"to": {"kind": "phoneNumber", "rawId": "4:+18005550100"},
			"from": {"kind": "phoneNumber", "rawId": "4:+15551234567", "phoneNumber": {"value": "+15551234567"}},
			"serverCallId": "srv",
			"incomingCallContext": "eyJhbGciOi...",
			"correlationId": "corr-1"
		}
	}]`)
	events, err := acs.DecodeEventGridEvents(body)
	if err != nil {
		t.Fatal(err)
	}
	d, err := events[0].IncomingCall()
	if err != nil {
		t.Fatal(err)
	}
	if d.From.RawID != "4:+15551234567" || d.IncomingCallContext != "eyJhbGciOi..." {
		t.Errorf("Unexpected incoming call data %+v", d)
	}
}

func TestDecodeEventGridRejectsGarbage(t *testing.T) {
	for _, body := range []string{"", "   ", "not json", `[{"id": 5}]`} {
		if _, err := acs.DecodeEventGridEvents([]byte(body)); err == nil {
			t.Errorf("Expected error for %q", body)
		}
	}
}

func TestIncomingCallRequiresContext(t *testing.T) {
	ev := acs.EventGridEvent{EventType: acs.EventTypeIncomingCall, Data: []byte(`{"from":{"rawId":"x"}}`)}
	if _, err := ev.IncomingCall(); err == nil {
		t.Fatal("Expected error for missing incomingCallContext")
	}
}

func TestParseEvent(t *testing.T) {
	hdr := model.EventHeader{ConnectionID: "conn-1", OperationContext: "EndTone", CorrelationID: "corr"}
	data := func(extra string) []byte {
		return []byte(`{"callConnectionId":"conn-1","operationContext":"EndTone","correlationId":"corr"` + extra + `}`)
	}

	tests := []struct {
		name string
		ce   acs.CloudEvent
		want model.Event
	}{
		{
			"connected",
			acs.CloudEvent{Type: "Microsoft.Communication.CallConnected", Data: data("")},
			model.CallConnected{EventHeader: hdr},
		},
		{
			"disconnected",
			acs.CloudEvent{Type: "Microsoft.Communication.CallDisconnected", Data: data("")},
			model.CallDisconnected{EventHeader: hdr},
		},
		{
			"choice",
			acs.CloudEvent{Type: "Microsoft.Communication.RecognizeCompleted", Data: data(
				`,"recognitionType":"choices","choiceResult":{"label":"EndCall","recognizedPhrase":"hang up"}`)},
			model.RecognizeCompleted{EventHeader: hdr, Result: model.ChoiceResult{Label: "EndCall", RecognizedPhrase: "hang up"}},
		},
		{
			"dtmf",
			acs.CloudEvent{Type: "Microsoft.Communication.RecognizeCompleted", Data: data(
				`,"recognitionType":"dtmf","dtmfResult":{"tones":["One","pound"]}`)},
			model.RecognizeCompleted{EventHeader: hdr, Result: model.DtmfResult{Tones: []model.DtmfTone{model.ToneOne, model.TonePound}}},
		},
		{
			"speech",
			acs.CloudEvent{Type: "Microsoft.Communication.RecognizeCompleted", Data: data(
				`,"recognitionType":"speech","speechResult":{"speech":"end call"}`)},
			model.RecognizeCompleted{EventHeader: hdr, Result: model.SpeechResult{Speech: "end call"}},
		},
		{
			"recognize failed",
			acs.CloudEvent{Type: "Microsoft.Communication.RecognizeFailed", Data: data(
				`,"resultInformation":{"code":400,"subCode":8510,"message":"Action failed, initial silence timeout reached."}`)},
			model.RecognizeFailed{EventHeader: hdr, Reason: model.ReasonInitialSilenceTimedOut},
		},
		{
			"play completed",
			acs.CloudEvent{Type: "Microsoft.Communication.PlayCompleted", Data: data("")},
			model.PlayCompleted{EventHeader: hdr},
		},
		{
			"play failed",
			acs.CloudEvent{Type: "Microsoft.Communication.PlayFailed", Data: data(
				`,"resultInformation":{"code":500,"subCode":8511}`)},
			model.PlayFailed{EventHeader: hdr, Reason: model.ReasonPlayPromptFailed},
		},
		{
			"unknown",
			acs.CloudEvent{Type: "Microsoft.Communication.ParticipantsUpdated", Data: data("")},
			model.UnknownEvent{EventHeader: hdr, Type: "Microsoft.Communication.ParticipantsUpdated"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := acs.ParseEvent(tt.ce)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Event mismatch:\nGot:  %#v\nWant: %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeCloudEventsBatch(t *testing.T) {
	body := []byte(`[
		{"id":"a","source":"calling/callConnections/conn-1","type":"Microsoft.Communication.CallConnected","specversion":"1.0","data":{"callConnectionId":"conn-1"}},
		{"id":"b","source":"calling/callConnections/conn-1","type":"Microsoft.Communication.PlayCompleted","specversion":"1.0","data":{"callConnectionId":"conn-1","operationContext":"UserMessage"}}
	]`)
	events, err := acs.DecodeCloudEvents(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[1].Type != "Microsoft.Communication.PlayCompleted" {
		t.Errorf("Unexpected type %s", events[1].Type)
	}

	if _, err := acs.DecodeCloudEvents(nil); err == nil {
		t.Errorf("Expected error for empty body")
	}
}

func TestParseEventRejectsBadData(t *testing.T) {
	_, err := acs.ParseEvent(acs.CloudEvent{Type: "Microsoft.Communication.CallConnected", Data: []byte(`[1,2]`)})
	if err == nil {
		t.Fatal("Expected decode error")
	}
}
