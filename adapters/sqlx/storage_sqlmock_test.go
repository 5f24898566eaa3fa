package sqlx_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "progresskit/adapters/sqlx"
	"progresskit/core"
	"progresskit/engine"
)

var (
	_ engine.DocumentStore  = (*storage.Store)(nil)
	_ engine.DocumentLister = (*storage.Store)(nil)
)

func newMockStore(t *testing.T) (*storage.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewWithDB(libsqlx.NewDb(db, "postgres"), storage.DriverPostgres), mock
}

func TestSQLMock_GetDocument(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT body FROM documents WHERE collection = \$1 AND id = \$2`).
		WithArgs(core.CollectionUsers, "ana").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"xp":30,"streakCount":1,"lastCompletionDate":"2024-01-10","unlockedBadgeIds":["streak_7"],"completedItemIds":["b","a"]}`)))

	doc, err := store.GetDocument(context.Background(), core.CollectionUsers, "ana")
	require.NoError(t, err)
	assert.Equal(t, int64(30), doc[core.FieldXP])
	assert.Equal(t, []string{"a", "b"}, doc[core.FieldCompletedItemIDs])

	rec, err := core.RecordFromDocument("ana", doc)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.StreakCount)
	assert.Equal(t, "2024-01-10", rec.LastCompletionDate.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_GetDocument_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT body FROM documents`).
		WithArgs(core.CollectionUsers, "ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetDocument(context.Background(), core.CollectionUsers, "ghost")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_AtomicIncrement(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE documents SET body = jsonb_set\(body, ARRAY\[\$3::text\], to_jsonb`).
		WithArgs(core.CollectionUsers, "ana", core.FieldXP, int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"xp"}).AddRow(int64(15010)))

	total, err := store.AtomicIncrement(context.Background(), core.CollectionUsers, "ana", core.FieldXP, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(15010), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_AtomicIncrement_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE documents SET body = jsonb_set`).
		WithArgs(core.CollectionUsers, "ghost", core.FieldXP, int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"xp"}))

	_, err := store.AtomicIncrement(context.Background(), core.CollectionUsers, "ghost", core.FieldXP, 5)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_UnionAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("added", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE documents SET body = jsonb_set\(body, ARRAY\[\$3::text\], COALESCE`).
			WithArgs(core.CollectionUsers, "ana", core.FieldUnlockedBadgeIDs, "streak_7").
			WillReturnResult(sqlmock.NewResult(0, 1))

		added, err := store.UnionAppend(ctx, core.CollectionUsers, "ana", core.FieldUnlockedBadgeIDs, "streak_7")
		require.NoError(t, err)
		assert.True(t, added)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already present", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE documents SET body = jsonb_set`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(core.CollectionUsers, "ana").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		added, err := store.UnionAppend(ctx, core.CollectionUsers, "ana", core.FieldUnlockedBadgeIDs, "streak_7")
		require.NoError(t, err)
		assert.False(t, added)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing document", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE documents SET body = jsonb_set`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := store.UnionAppend(ctx, core.CollectionUsers, "ghost", core.FieldUnlockedBadgeIDs, "streak_7")
		assert.True(t, errors.Is(err, core.ErrNotFound))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLMock_UpsertStrategies(t *testing.T) {
	cases := []struct {
		strategy core.MergeStrategy
		set      string
	}{
		{core.MergeOverwrite, `documents\.body \|\| EXCLUDED\.body`},
		{core.MergeKeepExisting, `EXCLUDED\.body \|\| documents\.body`},
		{core.Replace, `SET body = EXCLUDED\.body,`},
	}
	for _, tc := range cases {
		t.Run(tc.strategy.String(), func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec(`INSERT INTO documents .* ON CONFLICT \(collection, id\) DO UPDATE SET body = ` + tc.set).
				WithArgs(core.CollectionUsers, "ana", `{"unlockedBadgeIds":["a","b"],"xp":0}`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			doc := core.Document{core.FieldXP: int64(0), core.FieldUnlockedBadgeIDs: []string{"b", "a", "b"}}
			require.NoError(t, store.UpsertDocument(context.Background(), core.CollectionUsers, "ana", doc, tc.strategy))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLMock_UpsertFailureIsWrapped(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection refused")
	mock.ExpectExec(`INSERT INTO documents`).WillReturnError(boom)

	err := store.UpsertDocument(context.Background(), core.CollectionUsers, "ana", core.NewRecordDocument(), core.MergeKeepExisting)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_ListDocuments(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, body FROM documents WHERE collection = \$1 ORDER BY id`).
		WithArgs(core.CollectionTracks).
		WillReturnRows(sqlmock.NewRows([]string{"id", "body"}).
			AddRow("go", []byte(`{"title":"Go","lessons":12}`)).
			AddRow("rust", []byte(`{"title":"Rust"}`)))

	docs, err := store.ListDocuments(context.Background(), core.CollectionTracks)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Go", docs["go"]["title"])
	assert.Equal(t, int64(12), docs["go"]["lessons"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_EnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS documents`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigValidate(t *testing.T) {
	cfg := storage.DefaultConfig(storage.DriverPostgres)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Driver = "mysql"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Table = "documents; DROP TABLE users"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.DSN = " "
	assert.Error(t, bad.Validate())
}
