package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         UserRole
	CreatedAt    time.Time
}

// IsAdmin treats absent or unknown roles as non-admin.
func (u User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}

func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func ValidateEmail(raw string) error {
	email := strings.TrimSpace(raw)
	if email == "" {
		return fmt.Errorf("email is required")
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("email must be a valid address")
	}

	return nil
}
