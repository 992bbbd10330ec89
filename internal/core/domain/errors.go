package domain

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotHost             = errors.New("only the host can change session status")
	ErrInvalidSession      = errors.New("invalid session")
	ErrPermissionDenied    = errors.New("microphone permission denied")
	ErrDeviceNotFound      = errors.New("no microphone found")
	ErrDeviceTimeout       = errors.New("timed out waiting for microphone")
	ErrStatusUpdateFailed  = errors.New("status update failed")
	ErrAnalysisUnavailable = errors.New("audio analysis unavailable")
	ErrPublishNotPermitted = errors.New("user is not allowed to publish")
)
