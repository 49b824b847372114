package db

import (
	"fmt"
	"strings"
)

// Query assembles a filtered SELECT from a list of parameterized predicates.
// Predicates are written with "?" placeholders which are renumbered to $n
// in the order they were added, so callers never concatenate values into SQL.
type Query struct {
	table   string
	cols    string
	where   []string
	args    []interface{}
	orderBy string
}

// NewQuery starts a query over table selecting cols.
func NewQuery(table, cols string) *Query {
	return &Query{table: table, cols: cols}
}

// Where adds a predicate. The number of "?" in clause must match len(args).
func (q *Query) Where(clause string, args ...interface{}) *Query {
	n := len(q.args)
	var b strings.Builder
	for _, r := range clause {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	q.where = append(q.where, b.String())
	q.args = append(q.args, args...)
	return q
}

// WhereIf adds the predicate only when cond holds.
func (q *Query) WhereIf(cond bool, clause string, args ...interface{}) *Query {
	if !cond {
		return q
	}
	return q.Where(clause, args...)
}

// OrderBy sets the ORDER BY clause (without the keyword). It is never built
// from user input.
func (q *Query) OrderBy(orderBy string) *Query {
	q.orderBy = orderBy
	return q
}

func (q *Query) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// CountSQL returns the row-count statement and its arguments.
func (q *Query) CountSQL() (string, []interface{}) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.table, q.whereSQL()), q.args
}

// SQL returns the unpaginated data statement and its arguments.
func (q *Query) SQL() (string, []interface{}) {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", q.cols, q.table, q.whereSQL())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql, q.args
}

// PageSQL returns the data statement with LIMIT/OFFSET bound as parameters.
func (q *Query) PageSQL(limit, offset int) (string, []interface{}) {
	sql, args := q.SQL()
	n := len(args)
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)

	out := make([]interface{}, n+2)
	copy(out, args)
	out[n] = limit
	out[n+1] = offset
	return sql, out
}
