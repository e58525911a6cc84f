package postgresdoc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bankfeed-aggregator/internal/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestGateway_Get(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw := &Gateway{querier: mock, logger: newTestLogger()}

	query := `
		SELECT doc FROM documents
		WHERE owner_id = \$1 AND key = \$2
	`

	t.Run("success", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs("user-1", "connection/abc").
			WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow([]byte(`{"v":1}`)))

		doc, err := gw.Get(ctx, "user-1", "connection/abc")
		assert.NoError(t, err)
		assert.Equal(t, []byte(`{"v":1}`), doc)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs("user-1", "connection/missing").
			WillReturnRows(pgxmock.NewRows([]string{"doc"}))

		_, err := gw.Get(ctx, "user-1", "connection/missing")
		assert.ErrorIs(t, err, storage.ErrNotFound{})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs("user-1", "connection/abc").
			WillReturnError(errors.New("db error"))

		_, err := gw.Get(ctx, "user-1", "connection/abc")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGateway_Put(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw := &Gateway{querier: mock, logger: newTestLogger()}

	query := `
		INSERT INTO documents \(owner_id, key, doc, updated_at\)
		VALUES \(\$1, \$2, \$3, now\(\)\)
		ON CONFLICT \(owner_id, key\)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = now\(\)
	`

	t.Run("success", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs("user-1", "cursor/c1", []byte(`{"cursor":"abc"}`)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := gw.Put(ctx, "user-1", "cursor/c1", []byte(`{"cursor":"abc"}`))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs("user-1", "cursor/c1", []byte(`{}`)).
			WillReturnError(errors.New("db error"))

		err := gw.Put(ctx, "user-1", "cursor/c1", []byte(`{}`))
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGateway_Delete(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw := &Gateway{querier: mock, logger: newTestLogger()}

	query := `
		DELETE FROM documents
		WHERE owner_id = \$1 AND key = \$2
	`

	t.Run("missing key is a no-op", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs("user-1", "cursor/missing").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := gw.Delete(ctx, "user-1", "cursor/missing")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGateway_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw := &Gateway{querier: mock, logger: newTestLogger()}

	query := `
		DELETE FROM documents
		WHERE owner_id = \$1 AND key LIKE \$2 \|\| '%'
	`

	mock.ExpectExec(query).
		WithArgs("user-1", "transaction/c1/").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	removed, err := gw.DeletePrefix(ctx, "user-1", "transaction/c1/")
	assert.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Query(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw := &Gateway{querier: mock, logger: newTestLogger()}

	query := `
		SELECT key, doc FROM documents
		WHERE owner_id = \$1 AND key LIKE \$2 \|\| '%'
		ORDER BY key
	`

	t.Run("success", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs("user-1", "transaction/c1/").
			WillReturnRows(pgxmock.NewRows([]string{"key", "doc"}).
				AddRow("transaction/c1/t1", []byte(`{"amount":1}`)).
				AddRow("transaction/c1/t2", []byte(`{"amount":2}`)))

		records, err := gw.Query(ctx, "user-1", "transaction/c1/")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "transaction/c1/t1", records[0].Key)
		assert.Equal(t, []byte(`{"amount":2}`), records[1].Data)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs("user-1", "transaction/none/").
			WillReturnRows(pgxmock.NewRows([]string{"key", "doc"}))

		records, err := gw.Query(ctx, "user-1", "transaction/none/")
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
