// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"unicode/utf8"
)

const (
	MaxIDLen   = 64
	MaxNameLen = 64
)

var (
	ErrIDEmpty     = errors.New("id empty")
	ErrIDTooLong   = errors.New("id too long")
	ErrNameEmpty   = errors.New("name empty")
	ErrNameTooLong = errors.New("name too long")
)

type (
	ConferenceID  string
	ParticipantID string
	SocketID      string
)

func ValidateID(id string) error {
	if id == "" {
		return ErrIDEmpty
	}
	if len(id) > MaxIDLen {
		return ErrIDTooLong
	}
	return nil
}

// ValidateName checks display names of conferences and participants.
func ValidateName(name string) error {
	if name == "" {
		return ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}
