package sqlstore

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/apperrors"
	"actionkit/internal/config"
	"actionkit/internal/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logger.New(io.Discard, logger.TextFormat)
	s := New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, log)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestInitializeOpensConnectionAndMigratesUserTable(t *testing.T) {
	s := newTestStore(t)
	assert.NotNil(t, s.DB())
	assert.True(t, s.DB().Migrator().HasTable(&User{}))
}

func TestInitializeRejectsUnsupportedDriver(t *testing.T) {
	log := logger.New(io.Discard, logger.TextFormat)
	s := New(config.DatabaseConfig{Driver: "mysql"}, log)
	_, err := s.Initialize(context.Background())
	require.Error(t, err)
	typed, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ServerInitialization, typed.TypeOf)
}

func TestUsersCreateAndFindByIdentifier(t *testing.T) {
	s := newTestStore(t)
	users := NewUsers(s)

	id := uuid.NewString()
	created, err := users.Create(context.Background(), id, "ada@example.com", "hashed-secret")
	require.NoError(t, err)
	assert.Equal(t, id, created.ID)

	found, err := users.FindByIdentifier(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)
	assert.Equal(t, "hashed-secret", found.PasswordHash)
}

func TestUsersCreateRejectsDuplicateIdentifier(t *testing.T) {
	s := newTestStore(t)
	users := NewUsers(s)

	_, err := users.Create(context.Background(), uuid.NewString(), "dup@example.com", "hash-1")
	require.NoError(t, err)

	_, err = users.Create(context.Background(), uuid.NewString(), "dup@example.com", "hash-2")
	require.Error(t, err)
	typed, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ConnectionParamValidation, typed.TypeOf)
}

func TestUsersFindByIdentifierUnknownReturnsTypedError(t *testing.T) {
	s := newTestStore(t)
	users := NewUsers(s)

	_, err := users.FindByIdentifier(context.Background(), "nobody@example.com")
	require.Error(t, err)
	typed, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ConnectionParamValidation, typed.TypeOf)
}
