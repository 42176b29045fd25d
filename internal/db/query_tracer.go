package db

import (
	"context"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
)

const maxSpanQueryLength = 512

type querySpanKey struct{}

// queryTracer opens a child span per statement when the caller is already
// traced, tagging the table touched and whether rows are locked.
type queryTracer struct{}

func newQueryTracer() *queryTracer {
	return &queryTracer{}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if sentry.SpanFromContext(ctx) == nil {
		return ctx
	}

	stmt := describeStatement(data.SQL)
	span := sentry.StartSpan(ctx, "db.query",
		sentry.WithDescription(stmt.text),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	span.SetData("db.system", "postgresql")
	if stmt.operation != "" {
		span.SetData("db.operation", stmt.operation)
	}
	if stmt.table != "" {
		span.SetData("db.collection.name", stmt.table)
	}
	if stmt.locksRows {
		span.SetData("db.row_lock", true)
	}
	return context.WithValue(span.Context(), querySpanKey{}, span)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(querySpanKey{}).(*sentry.Span)
	if !ok {
		return
	}
	defer span.Finish()

	if n := data.CommandTag.RowsAffected(); n >= 0 {
		span.SetData("db.rows_affected", n)
	}
	if data.Err == nil || isNoRows(data.Err) {
		span.Status = sentry.SpanStatusOK
		return
	}
	span.Status = sentry.SpanStatusInternalError
	span.SetData("db.error", data.Err.Error())
	if isRetryableTxError(data.Err) {
		span.SetData("db.retryable", true)
	}
}

type statement struct {
	text      string
	operation string
	table     string
	locksRows bool
}

// describeStatement collapses whitespace and picks out the verb, the first
// table after FROM, INTO or UPDATE, and a FOR UPDATE clause.
func describeStatement(query string) statement {
	words := strings.Fields(query)
	if len(words) == 0 {
		return statement{text: "sql.query"}
	}

	stmt := statement{
		text:      strings.Join(words, " "),
		operation: strings.ToUpper(words[0]),
	}
	if len(stmt.text) > maxSpanQueryLength {
		stmt.text = stmt.text[:maxSpanQueryLength]
	}
	for i, word := range words {
		upper := strings.ToUpper(word)
		if upper == "UPDATE" && i > 0 && strings.EqualFold(words[i-1], "FOR") {
			stmt.locksRows = true
			continue
		}
		if stmt.table != "" || i+1 == len(words) {
			continue
		}
		switch upper {
		case "FROM", "INTO", "UPDATE":
			if table := strings.Trim(words[i+1], `"(),;`); table != "" && !strings.HasPrefix(table, "$") {
				stmt.table = strings.ToLower(table)
			}
		}
	}
	return stmt
}
