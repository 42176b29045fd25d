package db

import (
	"strings"
	"testing"
)

func TestDescribeStatement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  statement
	}{
		{
			name:  "empty",
			query: "   ",
			want:  statement{text: "sql.query"},
		},
		{
			name:  "locking select",
			query: "SELECT id, stock\n\t FROM product_variants\n WHERE product_id = $1 FOR UPDATE",
			want: statement{
				text:      "SELECT id, stock FROM product_variants WHERE product_id = $1 FOR UPDATE",
				operation: "SELECT",
				table:     "product_variants",
				locksRows: true,
			},
		},
		{
			name:  "insert",
			query: `insert into "processor_events" (event_id) values ($1)`,
			want: statement{
				text:      `insert into "processor_events" (event_id) values ($1)`,
				operation: "INSERT",
				table:     "processor_events",
			},
		},
		{
			name:  "function call without table",
			query: "SELECT setval(pg_get_serial_sequence('users', 'id'), 1)",
			want: statement{
				text:      "SELECT setval(pg_get_serial_sequence('users', 'id'), 1)",
				operation: "SELECT",
			},
		},
		{
			name:  "update",
			query: "UPDATE orders SET status = $2 WHERE id = $1",
			want: statement{
				text:      "UPDATE orders SET status = $2 WHERE id = $1",
				operation: "UPDATE",
				table:     "orders",
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := describeStatement(tt.query); got != tt.want {
				t.Fatalf("describeStatement() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDescribeStatementTruncates(t *testing.T) {
	t.Parallel()

	got := describeStatement("SELECT " + strings.Repeat("x, ", 400) + "y FROM orders")
	if len(got.text) != maxSpanQueryLength {
		t.Fatalf("expected text truncated to %d, got %d", maxSpanQueryLength, len(got.text))
	}
	if got.table != "orders" {
		t.Fatalf("expected table from full query, got %q", got.table)
	}
}
