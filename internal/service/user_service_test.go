package service

import (
	"context"
	"testing"
	"time"

	"request-portal/internal/model"
	"request-portal/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func newUserService(t *testing.T) UserService {
	t.Helper()
	return NewUserService(repository.NewUserRepository(newTestDB(t)), testSecret, time.Hour)
}

func TestBootstrap_OnlyOnEmptyDatabase(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()

	admin, err := svc.Bootstrap(ctx, CreateUserRequest{Name: "Root", Email: "root@example.com", Password: "secret1", Role: model.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, admin.Role)

	_, err = svc.Bootstrap(ctx, CreateUserRequest{Name: "Again", Email: "again@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateUser_Validation(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, CreateUserRequest{Name: "A", Email: "a@example.com", Password: "secret1", Role: "owner"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateUser(ctx, CreateUserRequest{Name: "A", Email: "not-an-email", Password: "secret1", Role: model.RoleUser})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateUser(ctx, CreateUserRequest{Name: "A", Email: "a@example.com", Password: "123", Role: model.RoleUser})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateUser(ctx, CreateUserRequest{Name: "A", Email: "A@Example.com", Password: "secret1", Role: model.RoleUser})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, CreateUserRequest{Name: "B", Email: "a@example.com", Password: "secret1", Role: model.RoleUser})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLogin_IssuesSignedToken(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()
	created, err := svc.CreateUser(ctx, CreateUserRequest{Name: "Max", Email: "max@example.com", Password: "secret1", Role: model.RoleManager})
	require.NoError(t, err)

	_, err = svc.Login(ctx, LoginUserRequest{Email: "max@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Login(ctx, LoginUserRequest{Email: "nobody@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	tok, err := svc.Login(ctx, LoginUserRequest{Email: "MAX@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, tok.User.ID)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tok.Token, claims, func(*jwt.Token) (interface{}, error) { return testSecret, nil })
	require.NoError(t, err)
	assert.Equal(t, created.ID.String(), claims["sub"])
	assert.Equal(t, model.RoleManager, claims["role"])
	assert.Equal(t, "Max", claims["name"])
}

func TestUpdateAndDeleteUser(t *testing.T) {
	svc := newUserService(t)
	ctx := context.Background()
	u, err := svc.CreateUser(ctx, CreateUserRequest{Name: "Sam", Email: "sam@example.com", Password: "secret1", Role: model.RoleUser})
	require.NoError(t, err)

	updated, err := svc.UpdateUser(ctx, u.ID.String(), UpdateUserRequest{Role: model.RoleSupervisor, Name: "Samantha"})
	require.NoError(t, err)
	assert.Equal(t, model.RoleSupervisor, updated.Role)
	assert.Equal(t, "Samantha", updated.Name)

	_, err = svc.UpdateUser(ctx, u.ID.String(), UpdateUserRequest{Role: "root"})
	assert.ErrorIs(t, err, ErrValidation)

	list, total, err := svc.ListUsers(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeleteUser(ctx, u.ID.String()))
	_, err = svc.GetUserByID(ctx, u.ID.String())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.DeleteUser(ctx, u.ID.String()), ErrNotFound)
}
