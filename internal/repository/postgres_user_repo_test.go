package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fanlive/internal/model"
)

func TestPostgresUserRepo_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresUserRepo(db)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "username", "created_at", "updated_at"}).
			AddRow("user-1", "fan@example.com", "fan", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.FindByID(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fan@example.com", got.Email)

	got, err = repo.FindByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUserRepo_CreateWithIdentity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	user := &model.User{ID: "user-1", Email: "fan@example.com", Username: "fan", CreatedAt: now, UpdatedAt: now}
	identity := &model.Identity{ID: "ident-1", UserID: "user-1", Provider: "google", ProviderUserID: "sub-1", CreatedAt: now}

	t.Run("commits both rows", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
			WithArgs("user-1", "fan@example.com", "fan", now, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identities")).
			WithArgs("ident-1", "user-1", "google", "sub-1", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, NewPostgresUserRepo(db).CreateWithIdentity(context.Background(), user, identity))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when identity insert fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identities")).
			WillReturnError(errors.New("duplicate key"))
		mock.ExpectRollback()

		err = NewPostgresUserRepo(db).CreateWithIdentity(context.Background(), user, identity)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrIdentityConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation reports conflict", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identities")).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_identities_provider_user"})
		mock.ExpectRollback()

		err = NewPostgresUserRepo(db).CreateWithIdentity(context.Background(), user, identity)
		assert.ErrorIs(t, err, ErrIdentityConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresIdentityRepo_FindByProviderAndProviderUserID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM identities")).
		WithArgs("google", "sub-x").
		WillReturnError(sql.ErrNoRows)

	got, err := NewPostgresIdentityRepo(db).FindByProviderAndProviderUserID(context.Background(), "google", "sub-x")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
