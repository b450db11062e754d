package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"agentfactory/internal/database"
	"agentfactory/internal/domain"
	"agentfactory/internal/support"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// spendPasswordCheck pays the bcrypt cost for unknown emails too.
func spendPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = HashPassword(support.RandomToken(16))
	})
	CheckPassword(dummyHash, password)
}

// Login checks credentials and issues a token for the user.
func Login(ctx context.Context, email, password string) (string, *domain.User, error) {
	email = strings.TrimSpace(email)
	if !IsValidEmail(email) || password == "" {
		spendPasswordCheck(password)
		return "", nil, ErrInvalidCredentials
	}

	user, err := database.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("auth: load user: %w", err)
	}
	if user == nil {
		spendPasswordCheck(password)
		return "", nil, ErrInvalidCredentials
	}
	if !CheckPassword(user.PasswordHash, password) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := GenerateJWT(user.ID, user.Role)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}
