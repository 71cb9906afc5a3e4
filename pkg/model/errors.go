package model

import "github.com/m-mizutani/goerr/v2"

// Error kinds surfaced by the ingestion and chat pipeline. Components wrap one of these
// with goerr.Wrap so callers can branch with errors.Is.
var (
	ErrValidation       = goerr.New("invalid request")
	ErrVideoUnavailable = goerr.New("video transcript unavailable")
	ErrAuth             = goerr.New("credential rejected by provider")
	ErrRateLimit        = goerr.New("provider rate limit exceeded")
	ErrTransport        = goerr.New("provider transport failure")
	ErrEmptyIndex       = goerr.New("index has no chunks")
	ErrSessionNotFound  = goerr.New("session not found")
	ErrInternal         = goerr.New("internal error")
)
