package session

import (
	"time"
)

type Settings struct {
	// URL is the relay base, e.g. ws://localhost:8080. The session dials
	// <URL>/documents/<document>/ws.
	URL                  string
	Username             string
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	SendBufferSize       int
}

func DefaultSettings() *Settings {
	return &Settings{
		URL:                  "ws://127.0.0.1:8080",
		Username:             "anonymous",
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		ReconnectBaseDelay:   500 * time.Millisecond,
		MaxReconnectAttempts: 8,
		SendBufferSize:       64,
	}
}
