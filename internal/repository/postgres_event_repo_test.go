package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fanlive/internal/model"
)

var eventColumns = []string{
	"id", "title", "description", "platform", "external_id", "stream_url", "source_url",
	"thumbnail_url", "artist_id", "scheduled_at", "started_at", "ended_at", "status",
	"viewer_count", "created_at", "updated_at",
}

func TestPostgresStreamingEventRepo_FindByPlatformAndExternalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresStreamingEventRepo(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE platform = $1 AND external_id = $2")).
		WithArgs(model.PlatformYouTube, "abcdefghijk").
		WillReturnRows(sqlmock.NewRows(eventColumns).AddRow(
			"ev-1", "Comeback live", nil, "youtube", "abcdefghijk",
			"https://www.youtube.com/watch?v=abcdefghijk", nil, nil, "artist-1",
			now, now, nil, "LIVE", 1200, now, now,
		))

	got, err := repo.FindByPlatformAndExternalID(context.Background(), model.PlatformYouTube, "abcdefghijk")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.EventStatusLive, got.Status)
	assert.Equal(t, model.PlatformYouTube, got.Platform)
	assert.Empty(t, got.Description)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, 1200, got.ViewerCount)
}

func TestPostgresStreamingEventRepo_FindByStreamURL_LegacyRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresStreamingEventRepo(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	url := "https://www.youtube.com/watch?v=legacy00001"

	mock.ExpectQuery(regexp.QuoteMeta("WHERE stream_url = $1")).
		WithArgs(url).
		WillReturnRows(sqlmock.NewRows(eventColumns).AddRow(
			"ev-legacy", "Old row", nil, nil, nil, url, nil, nil, nil,
			nil, nil, nil, "SCHEDULED", 0, now, now,
		))

	got, err := repo.FindByStreamURL(context.Background(), url)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.ExternalID)
	assert.Empty(t, got.Platform)
}

func TestPostgresStreamingEventRepo_FindByStatusNot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresStreamingEventRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status <> $1")).
		WithArgs(model.EventStatusEnded).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("ev-1", "a", nil, "youtube", "id1", "u1", nil, nil, nil, nil, nil, nil, "LIVE", 0, now, now).
			AddRow("ev-2", "b", nil, "youtube", "id2", "u2", nil, nil, nil, nil, nil, nil, "SCHEDULED", 0, now, now))

	got, err := repo.FindByStatusNot(context.Background(), model.EventStatusEnded)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPostgresStreamingEventRepo_Save_WrapsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresStreamingEventRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO streaming_events")).
		WillReturnError(errors.New("connection reset"))

	err = repo.Save(context.Background(), &model.StreamingEvent{ID: "ev-1", Status: model.EventStatusLive})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ev-1")
}

func TestPostgresTxManager_WithinTx_Commits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	tm := NewPostgresTxManager(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO streaming_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = tm.WithinTx(context.Background(), func(ctx context.Context, repos TxRepositories) error {
		return repos.Events.Save(ctx, &model.StreamingEvent{ID: "ev-1", Status: model.EventStatusLive})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTxManager_WithinTx_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	tm := NewPostgresTxManager(db)
	wantErr := errors.New("metadata fetch failed")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = tm.WithinTx(context.Background(), func(ctx context.Context, repos TxRepositories) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
