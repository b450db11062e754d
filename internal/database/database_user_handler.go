package database

import (
	"context"
	"errors"
	"strings"

	"agentfactory/internal/domain"

	"gorm.io/gorm"
)

// GetUserByEmail looks a user up case-insensitively; nil when absent.
func GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var user domain.User
	err = db.Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
