package model

import "errors"

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrInvalidSpec         = errors.New("invalid spec")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrConnectionLost      = errors.New("connection lost")
)
