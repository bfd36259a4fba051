package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("DB_CONN_STR")
	if dsn == "" {
		t.Skip("DB_CONN_STR not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `DROP TABLE IF EXISTS messages`)
	require.NoError(t, err)

	r := NewPostgresRepository(db)
	require.NoError(t, r.Migrate(ctx))
	exercise(t, r)
}
