package domain

import "errors"

// Session errors
var (
	ErrSessionIncomplete = errors.New("session incomplete")
	ErrSessionNotFound   = errors.New("session not found")
)

// Deep link errors
var (
	ErrInvalidDeepLink = errors.New("invalid deep link")
)

// General errors
var (
	ErrInvalidAppState = errors.New("invalid app state")
)
