package services

import "errors"

var (
	// ErrUnreadableSource means the container could not be parsed or has no frames.
	ErrUnreadableSource = errors.New("unreadable video source")
	// ErrDecode is a mid-stream or seek decode failure. Never fatal to results
	// that were already detected.
	ErrDecode = errors.New("decode error")

	ErrSessionNotFound  = errors.New("session not found")
	ErrAlreadyRunning   = errors.New("processing already in progress")
	ErrNoActiveRun      = errors.New("no active processing run")
	ErrInvalidSelection = errors.New("invalid frame selection")
	ErrInvalidParams    = errors.New("invalid detection parameters")
	ErrNoResult         = errors.New("video not processed yet")
	ErrNotGenerated     = errors.New("export not generated yet")

	// ErrScorerInitialization is logged, never returned from a run.
	ErrScorerInitialization = errors.New("embedding scorer initialization failed")

	// ErrStopped is returned by the detector when a stop request was observed.
	ErrStopped = errors.New("processing stopped by user")
)
