package server

import "errors"

var (
	// ErrClientDisconnecting is returned when client sends graceful disconnect
	ErrClientDisconnecting = errors.New("client disconnecting")

	ErrNicknameLength  = errors.New("nickname length out of range")
	ErrNicknameInvalid = errors.New("nickname contains invalid characters")
	ErrNicknameTaken   = errors.New("nickname already taken")
	ErrUserNotFound    = errors.New("user not found")

	ErrChannelName      = errors.New("invalid channel name")
	ErrChannelExists    = errors.New("channel already exists")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrChannelProtected = errors.New("channel is protected")

	ErrServerClosed = errors.New("server closed")
)
