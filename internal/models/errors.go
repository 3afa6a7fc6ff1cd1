package models

import "errors"

var (
	ErrAuthFailed           = errors.New("invalid username or password")
	ErrAuthorizationExpired = errors.New("authorization expired")
	ErrNoSession            = errors.New("no active session")
	ErrNotConnected         = errors.New("transport not connected")
	ErrValidation           = errors.New("validation failed")
	ErrNoConversation       = errors.New("no conversation open")
	ErrNotFound             = errors.New("not found")
)
