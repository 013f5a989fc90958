package auth

import "errors"

var (
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrUnknownRole         = errors.New("auth: unknown role")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrSignIn              = errors.New("auth: sign-in failed")
	ErrSignOut             = errors.New("auth: sign-out failed")
	ErrProfileNotFound     = errors.New("auth: profile not found")
	ErrProfileLookup       = errors.New("auth: profile lookup failed")
	ErrManualRolesDisabled = errors.New("auth: manual roles disabled")
	ErrSessionPresent      = errors.New("auth: real session present")
	ErrClosed              = errors.New("auth: store closed")
)
