package ledger

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderFor(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{DriverSQLite, "UPDATE dedup_ledger SET status = ? WHERE message_id = ? AND version = ?"},
		{DriverMySQL, "UPDATE dedup_ledger SET status = ? WHERE message_id = ? AND version = ?"},
		{DriverPostgres, "UPDATE dedup_ledger SET status = $1 WHERE message_id = $2 AND version = $3"},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			query, args, err := sq.StatementBuilder.PlaceholderFormat(placeholderFor(tt.driver)).
				Update(tableName).
				Set("status", "completed").
				Where(sq.Eq{"message_id": "m1"}).
				Where(sq.Eq{"version": 2}).
				ToSql()
			require.NoError(t, err)

			assert.Equal(t, tt.want, query)
			assert.Len(t, args, 3)
		})
	}
}
