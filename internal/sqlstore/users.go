package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"actionkit/internal/apperrors"
)

// User is the framework's one built-in row type: enough to back the
// user:login/user:signup example actions without assuming any particular
// application schema (spec's Non-goals leave the schema unspecified).
type User struct {
	ID           string `gorm:"primaryKey"`
	Identifier   string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Users is a thin repository over the User table, the shape the teacher's
// handlers call straight into gorm.DB for rather than a generic query
// builder. It holds the Store rather than a *gorm.DB directly so callers can
// construct Users before Store.Initialize has opened the connection —
// registry.Registry.Start initializes components in priority order, and
// actions are registered ahead of that (spec §4.1: actions are immutable
// once registered).
type Users struct {
	store *Store
}

func NewUsers(store *Store) *Users {
	return &Users{store: store}
}

// Create inserts a new user row. Returns a typed error if the identifier is
// already taken.
func (u *Users) Create(ctx context.Context, id, identifier, passwordHash string) (*User, error) {
	row := &User{ID: id, Identifier: identifier, PasswordHash: passwordHash}
	if err := u.store.DB().WithContext(ctx).Create(row).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ConnectionParamValidation, "sqlstore: identifier already registered", err).WithKeyValue("identifier", identifier)
	}
	return row, nil
}

// FindByIdentifier looks up a user by their login identifier (username or
// email, the action layer doesn't care which).
func (u *Users) FindByIdentifier(ctx context.Context, identifier string) (*User, error) {
	var row User
	err := u.store.DB().WithContext(ctx).Where("identifier = ?", identifier).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New(apperrors.ConnectionParamValidation, "sqlstore: no such user").WithKeyValue("identifier", identifier)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ConnectionServerError, "sqlstore: lookup user", err)
	}
	return &row, nil
}
