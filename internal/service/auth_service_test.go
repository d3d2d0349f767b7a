package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"securechat/internal/domain"
	"securechat/internal/security"
	"securechat/internal/service"
)

type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) Create(ctx context.Context, u *domain.User) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func (m *MockUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func TestRegister(t *testing.T) {
	mockRepo := new(MockUserRepo)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4) // low cost for tests

	svc := service.NewAuthService(mockRepo, tokenSvc, hasher)

	t.Run("Success", func(t *testing.T) {
		input := service.RegisterInput{
			Username: "newuser",
			Password: "Password1!",
		}

		mockRepo.On("GetByUsername", mock.Anything, "newuser").Return(nil, domain.ErrNotFound)
		mockRepo.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
			return u.Username == "newuser" && u.ID != "" && u.HashedPassword != "Password1!"
		})).Return(nil)

		user, err := svc.Register(context.Background(), input)
		assert.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, "newuser", user.Username)
		assert.Equal(t, "newuser", user.Name)
	})

	t.Run("UsernameTaken", func(t *testing.T) {
		input := service.RegisterInput{
			Username: "existing",
			Password: "Password1!",
		}

		existing := &domain.User{Username: "existing"}
		mockRepo.On("GetByUsername", mock.Anything, "existing").Return(existing, nil)

		user, err := svc.Register(context.Background(), input)
		assert.Nil(t, user)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("MissingPassword", func(t *testing.T) {
		_, err := svc.Register(context.Background(), service.RegisterInput{Username: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestLoginAndAuthenticate(t *testing.T) {
	mockRepo := new(MockUserRepo)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4)
	svc := service.NewAuthService(mockRepo, tokenSvc, hasher)

	hashed, err := hasher.Hash("Password1!")
	require.NoError(t, err)
	user := &domain.User{ID: "u-1", Username: "alice", HashedPassword: hashed, IsActive: true}

	mockRepo.On("GetByUsername", mock.Anything, "alice").Return(user, nil)
	mockRepo.On("GetByUsername", mock.Anything, "ghost").Return(nil, domain.ErrNotFound)
	mockRepo.On("GetByID", mock.Anything, "u-1").Return(user, nil)

	t.Run("Success", func(t *testing.T) {
		resp, err := svc.Login(context.Background(), service.LoginInput{Username: "alice", Password: "Password1!"})
		require.NoError(t, err)
		assert.Equal(t, "bearer", resp.TokenType)

		got, err := svc.Authenticate(context.Background(), resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "u-1", got.ID)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, err := svc.Login(context.Background(), service.LoginInput{Username: "alice", Password: "nope"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := svc.Login(context.Background(), service.LoginInput{Username: "ghost", Password: "x"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("BadToken", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "garbage")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})
}
