package pg

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// entryColumns lists the writable columns of a queue table, record_id excluded.
var entryColumns = []string{
	"class_name",
	"payload",
	"creating_owner",
	"processing_owner",
	"created_date",
	"processing_available_date",
	"processing_state",
	"error_count",
	"search_key1",
	"search_key2",
	"user_token",
}

// maxIdentifierLen is the PostgreSQL NAMEDATALEN limit minus the terminator.
const maxIdentifierLen = 63

// statements holds the SQL for one queue table.
type statements struct {
	ident pgx.Identifier

	insert            string
	insertWithID      string
	remove            string
	ready             string
	readyByOwner      string
	fromIDs           string
	claim             string
	claimMany         string
	leftBehind        string
	updateOnError     string
	countReady        string
	countReadyByOwner string
	availableIDs      string
	createdBefore     string
}

// parseTable turns "table" or "schema.table" into a pgx identifier.
func parseTable(table string) (pgx.Identifier, error) {
	if table == "" {
		return nil, tableError(table)
	}
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return nil, tableError(table)
	}
	for _, p := range parts {
		if p == "" || len(p) > maxIdentifierLen {
			return nil, tableError(table)
		}
	}
	return pgx.Identifier(parts), nil
}

func newStatements(table string) (*statements, error) {
	ident, err := parseTable(table)
	if err != nil {
		return nil, err
	}
	t := ident.Sanitize()
	cols := strings.Join(entryColumns, ", ")
	selectCols := "record_id, " + cols

	placeholders := func(from, n int) string {
		ph := make([]string, n)
		for i := range ph {
			ph[i] = fmt.Sprintf("$%d", from+i)
		}
		return strings.Join(ph, ", ")
	}

	const (
		available    = `processing_state = 'AVAILABLE'`
		inProcessing = `processing_state = 'IN_PROCESSING'`
	)

	return &statements{
		ident: ident,

		insert: fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING record_id`,
			t, cols, placeholders(1, len(entryColumns))),
		insertWithID: fmt.Sprintf(`INSERT INTO %s (record_id, %s) VALUES (%s) RETURNING record_id`,
			t, cols, placeholders(1, len(entryColumns)+1)),
		remove: fmt.Sprintf(`DELETE FROM %s WHERE record_id = ANY($1)`, t),

		ready: fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND processing_available_date <= $1 ORDER BY record_id LIMIT $2`,
			selectCols, t, available),
		readyByOwner: fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND processing_available_date <= $1 AND creating_owner = $3 ORDER BY record_id LIMIT $2`,
			selectCols, t, available),
		fromIDs: fmt.Sprintf(`SELECT %s FROM %s WHERE record_id = ANY($1) ORDER BY record_id`,
			selectCols, t),

		claim: fmt.Sprintf(`UPDATE %s SET processing_owner = $1, processing_available_date = $2, processing_state = 'IN_PROCESSING' WHERE record_id = $3 AND %s AND processing_available_date <= $4`,
			t, available),
		claimMany: fmt.Sprintf(`UPDATE %s SET processing_owner = $1, processing_available_date = $2, processing_state = 'IN_PROCESSING' WHERE record_id = ANY($3) AND %s AND processing_available_date <= $4`,
			t, available),

		leftBehind: fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND error_count < $1 AND processing_available_date <= $2 ORDER BY record_id FOR UPDATE SKIP LOCKED`,
			selectCols, t, inProcessing),
		updateOnError: fmt.Sprintf(`UPDATE %s SET processing_state = 'AVAILABLE', processing_owner = NULL, processing_available_date = $1, error_count = $2 WHERE record_id = $3`,
			t),

		countReady: fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s AND processing_available_date <= $1`,
			t, available),
		countReadyByOwner: fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s AND processing_available_date <= $1 AND creating_owner = $2`,
			t, available),
		availableIDs: fmt.Sprintf(`SELECT record_id FROM %s WHERE %s AND record_id > $1 ORDER BY record_id LIMIT $2`,
			t, available),
		createdBefore: fmt.Sprintf(`SELECT %s FROM %s WHERE created_date < $1 ORDER BY record_id LIMIT $2`,
			selectCols, t),
	}, nil
}
