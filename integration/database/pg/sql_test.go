package pg_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/dbqueue/integration/database/pg"
)

func TestStatements(t *testing.T) {
	t.Parallel()

	t.Run("table names are quoted", func(t *testing.T) {
		t.Parallel()
		stmts, err := pg.Statements("bus_events")
		require.NoError(t, err)
		for name, sql := range stmts {
			assert.Contains(t, sql, `"bus_events"`, name)
		}
	})

	t.Run("schema qualified", func(t *testing.T) {
		t.Parallel()
		stmts, err := pg.Statements("queue.bus_events")
		require.NoError(t, err)
		assert.Contains(t, stmts["ready"], `"queue"."bus_events"`)
	})

	t.Run("injection is neutralized", func(t *testing.T) {
		t.Parallel()
		stmts, err := pg.Statements(`events"; DROP TABLE users; --`)
		require.NoError(t, err)
		assert.Contains(t, stmts["remove"], `"events""; DROP TABLE users; --"`)
	})

	t.Run("invalid names", func(t *testing.T) {
		t.Parallel()
		for _, table := range []string{"", ".", "a.b.c", "schema.", strings.Repeat("x", 64)} {
			_, err := pg.Statements(table)
			assert.ErrorIs(t, err, pg.ErrInvalidTableName, table)
		}
	})

	t.Run("claims are conditional on state and date", func(t *testing.T) {
		t.Parallel()
		stmts, err := pg.Statements("bus_events")
		require.NoError(t, err)
		for _, name := range []string{"claim", "claimMany"} {
			assert.Contains(t, stmts[name], "processing_state = 'AVAILABLE'", name)
			assert.Contains(t, stmts[name], "processing_available_date <= $4", name)
		}
		assert.Contains(t, stmts["claimMany"], "record_id = ANY($3)")
	})

	t.Run("reap scan skips locked rows", func(t *testing.T) {
		t.Parallel()
		stmts, err := pg.Statements("bus_events")
		require.NoError(t, err)
		assert.Contains(t, stmts["leftBehind"], "processing_state = 'IN_PROCESSING'")
		assert.True(t, strings.HasSuffix(stmts["leftBehind"], "FOR UPDATE SKIP LOCKED"))
	})

	t.Run("ready entries ordered and limited", func(t *testing.T) {
		t.Parallel()
		stmts, err := pg.Statements("bus_events")
		require.NoError(t, err)
		assert.Contains(t, stmts["ready"], "ORDER BY record_id LIMIT $2")
		assert.Contains(t, stmts["readyByOwner"], "creating_owner = $3")
		assert.Contains(t, stmts["insert"], "RETURNING record_id")
		assert.True(t, strings.HasPrefix(stmts["insertWithID"], `INSERT INTO "bus_events" (record_id, `))
	})
}
