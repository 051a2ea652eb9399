// Package validate implements the login and registration input rules.
package validate

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
)

const (
	usernameMinLength = 3
	passwordMinLength = 8
)

const (
	MsgUsernameTooShort = "Must be at least 3 characters"
	MsgInvalidEmail     = "Invalid email"
	MsgPasswordTooShort = "Min 8 chars"
	MsgNeedsUppercase   = "Needs uppercase"
	MsgNeedsNumber      = "Needs a number"
	MsgNeedsSpecial     = "Needs special char"
	MsgRequired         = "Required"
)

const inputValidationFailed = "Input validation failed."

// Registration checks a registration form. The first failing rule per field wins.
func Registration(r models.Registration) error {
	fields := make(map[string]string)

	if utf8.RuneCountInString(r.Username) < usernameMinLength {
		fields["username"] = MsgUsernameTooShort
	}

	if !isEmail(r.Email) {
		fields["email"] = MsgInvalidEmail
	}

	if msg := passwordRule(r.Password); msg != "" {
		fields["password"] = msg
	}

	if len(fields) > 0 {
		return failure.NewValidation(inputValidationFailed, fields)
	}

	return nil
}

// Login only requires both fields to be present; strength is checked at registration.
func Login(c models.Credentials) error {
	fields := make(map[string]string)

	if c.Username == "" {
		fields["username"] = MsgRequired
	}
	if c.Password == "" {
		fields["password"] = MsgRequired
	}

	if len(fields) > 0 {
		return failure.NewValidation(inputValidationFailed, fields)
	}

	return nil
}

func isEmail(s string) bool {
	if s == "" || strings.ContainsAny(s, " <>") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	// ParseAddress accepts "Name <a@b>"; only a bare address is valid here.
	return addr.Address == s && strings.Contains(s[strings.LastIndex(s, "@"):], ".")
}

func passwordRule(pw string) string {
	if utf8.RuneCountInString(pw) < passwordMinLength {
		return MsgPasswordTooShort
	}

	var upper, digit, special bool
	for _, r := range pw {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case r < 'a' || r > 'z':
			special = true
		}
	}

	switch {
	case !upper:
		return MsgNeedsUppercase
	case !digit:
		return MsgNeedsNumber
	case !special:
		return MsgNeedsSpecial
	}

	return ""
}
