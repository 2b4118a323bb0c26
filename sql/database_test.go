package sql

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTables(db Executor) error {
	if _, err := db.Exec(`create table testing1 (
		id varchar primary key,
		field int
	)`, nil, nil); err != nil {
		return err
	}
	return nil
}

func testURI(tb testing.TB) string {
	tb.Helper()
	return "file:" + filepath.Join(tb.TempDir(), "state.sql")
}

func TestTransactionIsolation(t *testing.T) {
	db, err := Open(testURI(t), WithMigrations(testTables))
	require.NoError(t, err)
	defer db.Close()

	key := "dsada"
	count := func(ex Executor) int {
		rows, err := ex.Exec("select 1 from testing1 where id = ?1", func(stmt *Statement) {
			stmt.BindText(1, key)
		}, nil)
		require.NoError(t, err)
		return rows
	}
	errRollback := errors.New("rollback")
	require.ErrorIs(t, db.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Exec("insert into testing1(id, field) values (?1, ?2)", func(stmt *Statement) {
			stmt.BindText(1, key)
			stmt.BindInt64(2, 20)
		}, nil)
		require.NoError(t, err)
		require.Equal(t, 1, count(tx))
		require.Equal(t, 0, count(db))
		return errRollback
	}), errRollback)
	require.Equal(t, 0, count(db))
}

func TestWithTx(t *testing.T) {
	db, err := Open(testURI(t), WithMigrations(testTables))
	require.NoError(t, err)
	defer db.Close()

	insert := func(tx *Tx, id string) error {
		_, err := tx.Exec("insert into testing1(id, field) values (?1, 1)", func(stmt *Statement) {
			stmt.BindText(1, id)
		}, nil)
		return err
	}
	require.NoError(t, db.WithTx(context.Background(), func(tx *Tx) error {
		return insert(tx, "a")
	}))
	errRollback := errors.New("rollback")
	require.ErrorIs(t, db.WithTx(context.Background(), func(tx *Tx) error {
		require.NoError(t, insert(tx, "b"))
		return errRollback
	}), errRollback)
	require.ErrorIs(t, db.WithTx(context.Background(), func(tx *Tx) error {
		return insert(tx, "a")
	}), ErrObjectExists)

	var ids []string
	_, err = db.Exec("select id from testing1 order by id", nil, func(stmt *Statement) bool {
		ids = append(ids, stmt.ColumnText(0))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)
	require.Positive(t, db.QueryCount())
}
