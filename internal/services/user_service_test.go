package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/trestle-ai/trestle/internal/models"
)

type fakeDB struct {
	users map[string]*models.User
}

func newFakeDB() *fakeDB {
	return &fakeDB{users: map[string]*models.User{}}
}

func (f *fakeDB) CreateUser(ctx context.Context, user *models.User) error {
	f.users[user.Email] = user
	return nil
}

func (f *fakeDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return f.users[email], nil
}

func (f *fakeDB) CreateDocument(ctx context.Context, doc *models.Document) error { return nil }

func (f *fakeDB) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	return nil, nil
}

func (f *fakeDB) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return nil, nil
}

func (f *fakeDB) UpdateDocumentStatus(ctx context.Context, id string, status string) error {
	return nil
}

func (f *fakeDB) Close() error { return nil }

func TestUserService_RegisterHashesPassword(t *testing.T) {
	db := newFakeDB()
	svc := NewUserService(db)

	user, err := svc.Register(context.Background(), "Ada", "ada@example.com", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)

	stored := db.users["ada@example.com"]
	require.NotNil(t, stored)
	assert.NotEqual(t, "s3cret", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("s3cret")))
}

func TestUserService_RegisterRequiresEmailAndPassword(t *testing.T) {
	svc := NewUserService(newFakeDB())

	_, err := svc.Register(context.Background(), "Ada", "", "s3cret")
	assert.Error(t, err)

	_, err = svc.Register(context.Background(), "Ada", "ada@example.com", "")
	assert.Error(t, err)
}

func TestUserService_Authenticate(t *testing.T) {
	svc := NewUserService(newFakeDB())
	_, err := svc.Register(context.Background(), "Ada", "ada@example.com", "s3cret")
	require.NoError(t, err)

	user, err := svc.Authenticate(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)

	_, err = svc.Authenticate(context.Background(), "ada@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(context.Background(), "nobody@example.com", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
