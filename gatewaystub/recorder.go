// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package gatewaystub provides a call gateway test double that records every
// answer and command instead of talking to a real telephony service.
package gatewaystub

import (
	"context"
	"fmt"
	"sync"

	"github.com/sprucehealth/callflow/model"
)

// RecordedBatch is one Execute call
type RecordedBatch struct {
	ConnectionID model.ConnectionID
	Commands     []model.Command
}

// Recorder captures gateway traffic. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	batches []RecordedBatch
	answers []model.AnswerRequest

	// ExecuteFunc allows tests to inject command failures
	ExecuteFunc func(conn model.ConnectionID, cmds []model.Command) error
	// AnswerFunc allows tests to control the connection ID or fail answering
	AnswerFunc func(req model.AnswerRequest) (model.ConnectionID, error)
}

// NewRecorder creates a recorder that accepts everything
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Execute records the batch and returns the configured error, if any
func (r *Recorder) Execute(ctx context.Context, conn model.ConnectionID, cmds []model.Command) error {
	r.mu.Lock()
	fn := r.ExecuteFunc
	r.mu.Unlock()

	if fn != nil {
		if err := fn(conn, cmds); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]model.Command, len(cmds))
	copy(copied, cmds)
	r.batches = append(r.batches, RecordedBatch{ConnectionID: conn, Commands: copied})
	return nil
}

// Answer records the request. Without AnswerFunc the connection ID is derived
// from the incoming call context.
func (r *Recorder) Answer(ctx context.Context, req model.AnswerRequest) (model.ConnectionID, error) {
	r.mu.Lock()
	r.answers = append(r.answers, req)
	fn := r.AnswerFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return model.ConnectionID(fmt.Sprintf("conn-%s", req.IncomingCallContext)), nil
}

// Batches returns all recorded batches in order
func (r *Recorder) Batches() []RecordedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedBatch, len(r.batches))
	copy(out, r.batches)
	return out
}

// Commands returns every command issued for conn, flattened in order
func (r *Recorder) Commands(conn model.ConnectionID) []model.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Command
	for _, b := range r.batches {
		if b.ConnectionID == conn {
			out = append(out, b.Commands...)
		}
	}
	return out
}

// Answers returns all recorded answer requests
func (r *Recorder) Answers() []model.AnswerRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AnswerRequest, len(r.answers))
	copy(out, r.answers)
	return out
}

// Reset clears all recorded traffic
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = nil
	r.answers = nil
}
