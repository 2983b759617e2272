package domain

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrStreamNotFound     = errors.New("stream not found")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStreamOffline      = errors.New("stream offline")
	ErrInvalidPrincipal   = errors.New("invalid principal")
	ErrInvalidRole        = errors.New("invalid role")
	ErrConnectionNotFound = errors.New("connection not found")
)
