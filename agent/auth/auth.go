// Package auth authorizes connections to the agent.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("unauthorized")

// OperatorHeader carries the display name of the user the caller is acting for.
const OperatorHeader = "X-Operator"

// Principal is an authorized caller.
type Principal struct {
	User string
	// Name is the display name recorded as a template's last run user.
	Name string
}

type Validator interface {
	Check(r *http.Request) (Principal, error)
}

var _ Validator = &BasicValidator{}

// BasicValidator checks HTTP Basic credentials against a bcrypt password hash.
type BasicValidator struct {
	User         string
	PasswordHash []byte
}

func NewBasicValidator(user, passwordHash string) (*BasicValidator, error) {
	if user == "" {
		return nil, errors.New("user is required")
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, fmt.Errorf("invalid password hash: %w", err)
	}
	return &BasicValidator{User: user, PasswordHash: []byte(passwordHash)}, nil
}

func (v *BasicValidator) Check(r *http.Request) (Principal, error) {
	user, password, ok := r.BasicAuth()
	if !ok {
		return Principal{}, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(v.User)) == 1
	// always pay for the hash comparison so a wrong user is not distinguishable by timing
	passErr := bcrypt.CompareHashAndPassword(v.PasswordHash, []byte(password))
	if !userOK || passErr != nil {
		return Principal{}, fmt.Errorf("%w: bad credentials", ErrUnauthorized)
	}

	name := strings.TrimSpace(r.Header.Get(OperatorHeader))
	if name == "" {
		name = user
	}
	return Principal{User: user, Name: name}, nil
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(b), nil
}
