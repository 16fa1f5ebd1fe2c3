// Package domain contains entity ids and value types, no logic beyond validation.
package domain

import (
	"errors"
	"fmt"
)

const MaxIDLen = 128

var (
	ErrIDEmpty   = errors.New("id empty")
	ErrIDTooLong = errors.New("id too long")
)

type (
	ClientID string
	UserID   string
)

// RemoteClient identifies the owner of a producer to its consumers.
type RemoteClient struct {
	ClientID ClientID `json:"clientId"`
	UserID   UserID   `json:"userId"`
}

// ValidateID checks a caller supplied identifier.
func ValidateID(field, id string) error {
	if len(id) == 0 {
		return fmt.Errorf("%s: %w", field, ErrIDEmpty)
	}
	if len(id) > MaxIDLen {
		return fmt.Errorf("%s: %w", field, ErrIDTooLong)
	}
	return nil
}
