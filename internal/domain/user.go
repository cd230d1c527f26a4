// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen    = 64
	MaxChannelIDLen = 64
)

var (
	ErrUserIDEmpty      = errors.New("user id empty")
	ErrUserIDTooLong    = errors.New("user id too long")
	ErrChannelIDEmpty   = errors.New("channel id empty")
	ErrChannelIDTooLong = errors.New("channel id too long")
)

type (
	UserID    string
	ChannelID string
)

func (id UserID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

func (id ChannelID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return ErrChannelIDEmpty
	}
	if len(id) > MaxChannelIDLen {
		return ErrChannelIDTooLong
	}
	return nil
}

// Polite reports whether local yields to remote when both sides offer at once.
// The greater id is polite; the lower id keeps its offer.
func Polite(local, remote UserID) bool {
	return local > remote
}
