// Package database builds parameterised SELECT statements for the ledger
// stores. Identifiers are always quoted; values are always bound.
package database

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Dialect abstracts the SQL differences between the supported stores.
type Dialect interface {
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// QuoteIdent quotes a possibly qualified identifier.
	QuoteIdent(ident string) string
}

type postgresDialect struct{}

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) QuoteIdent(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) QuoteIdent(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		p = strings.ReplaceAll(p, string([]byte{0}), "")
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

var (
	// Postgres numbers bind markers ($1, $2, ...) and quotes with pgx.Identifier.
	Postgres Dialect = postgresDialect{}
	// SQLite uses positional ? markers.
	SQLite Dialect = sqliteDialect{}
)

type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	GreaterThanOrEqual ConditionType = ">="
	Like               ConditionType = "LIKE"
	In                 ConditionType = "IN"

	unset = -1
)

type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{Field: field, Type: condType, Value: value}
}

type ListQueryOptions struct {
	Dialect    Dialect
	Table      string
	Columns    []string
	CountOnly  bool
	Conditions []Condition
	OrderBy    string
	OrderDir   string
	Limit      int
	Offset     int
}

type ListQueryOption func(*ListQueryOptions)

// NewListQueryOptions defaults to the Postgres dialect.
func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	options := &ListQueryOptions{
		Dialect: Postgres,
		Table:   table,
		Limit:   unset,
		Offset:  unset,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func WithDialect(d Dialect) ListQueryOption {
	return func(o *ListQueryOptions) {
		if d != nil {
			o.Dialect = d
		}
	}
}

// WithColumns sets the columns to select.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Columns = cols }
}

// WithCondition adds a single condition.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) { o.Conditions = append(o.Conditions, cond) }
}

// WithOrderBy sets the ordering column and direction.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.OrderBy = column
		o.OrderDir = direction
	}
}

// WithLimit sets the limit. Accepts 0.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets the offset. Accepts 0.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

func WithCountOnly() ListQueryOption {
	return func(o *ListQueryOptions) { o.CountOnly = true }
}

// builder tracks bind arguments while a statement is assembled.
type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

// BuildListQuery constructs a SQL query string and arguments from options.
//
//	query, args := BuildListQuery(NewListQueryOptions("ledger_records",
//		WithColumns("id", "status"),
//		WithCondition(WhereCond("status", In, []string{"pending", "failed"})),
//		WithOrderBy("created_timestamp_utc", "DESC"),
//		WithLimit(10),
//	))
func BuildListQuery(options *ListQueryOptions) (string, []any) {
	if options == nil {
		return "", nil
	}
	d := options.Dialect
	if d == nil {
		d = Postgres
	}
	b := &builder{d: d}

	b.sb.WriteString(selectClause(d, options))
	b.sb.WriteString("FROM ")
	b.sb.WriteString(d.QuoteIdent(options.Table))

	writeWhere(b, options.Conditions)
	if options.CountOnly {
		return b.sb.String(), b.args
	}

	if options.OrderBy != "" {
		b.sb.WriteString(" ORDER BY ")
		b.sb.WriteString(d.QuoteIdent(options.OrderBy))
		if dir := strings.ToUpper(options.OrderDir); dir == "ASC" || dir == "DESC" {
			b.sb.WriteString(" " + dir)
		}
	}
	if options.Limit != unset {
		b.sb.WriteString(" LIMIT " + b.bind(options.Limit))
	}
	if options.Offset != unset {
		if options.Limit == unset && d == SQLite {
			// SQLite only accepts OFFSET after LIMIT.
			b.sb.WriteString(" LIMIT -1")
		}
		b.sb.WriteString(" OFFSET " + b.bind(options.Offset))
	}
	return b.sb.String(), b.args
}

func selectClause(d Dialect, options *ListQueryOptions) string {
	if options.CountOnly {
		return "SELECT COUNT(*) "
	}
	if len(options.Columns) == 0 {
		return "SELECT * "
	}
	cols := make([]string, len(options.Columns))
	for i, c := range options.Columns {
		cols[i] = d.QuoteIdent(c)
	}
	return fmt.Sprintf("SELECT %s ", strings.Join(cols, ", "))
}

func writeWhere(b *builder, conds []Condition) {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		if s := condition(b, c); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		b.sb.WriteString(" WHERE ")
		b.sb.WriteString(strings.Join(parts, " AND "))
	}
}

func condition(b *builder, c Condition) string {
	if c.Field == "" {
		return ""
	}
	field := b.d.QuoteIdent(c.Field)
	switch c.Type {
	case In:
		// Accept any slice type; empty slices drop the condition.
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice || rv.Len() == 0 {
			return ""
		}
		marks := make([]string, rv.Len())
		for i := range rv.Len() {
			marks[i] = b.bind(rv.Index(i).Interface())
		}
		return fmt.Sprintf("%s IN (%s)", field, strings.Join(marks, ", "))
	case Equal, NotEqual, GreaterThan, LessThan, LessThanOrEqual, GreaterThanOrEqual, Like:
		return fmt.Sprintf("%s %s %s", field, c.Type, b.bind(c.Value))
	default:
		return ""
	}
}

// Placeholders renders n bind markers starting at position start, comma separated.
func Placeholders(d Dialect, start, n int) string {
	marks := make([]string, n)
	for i := range n {
		marks[i] = d.Placeholder(start + i)
	}
	return strings.Join(marks, ", ")
}
