// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import "errors"

var (
	ErrClosed              = errors.New("engine closed")
	ErrMissingConnectionID = errors.New("event has no call connection id")
	ErrMissingContextID    = errors.New("missing context id")
	ErrDuplicateSession    = errors.New("session already registered")

	errCallEnded = errors.New("call already ended")
	errNoSession = errors.New("no session for call")
)
