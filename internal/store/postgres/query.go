package postgres

import (
	"strconv"
	"strings"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// selectBuilder appends WHERE terms and numbered placeholders to a SELECT.
type selectBuilder struct {
	sb    strings.Builder
	where int
	args  []any
}

func newSelect(base string) *selectBuilder {
	b := &selectBuilder{}
	b.sb.WriteString(base)
	return b
}

// arg records v and returns its placeholder.
func (b *selectBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// and adds "column op $n" to the WHERE clause.
func (b *selectBuilder) and(column, op string, v any) *selectBuilder {
	if b.where == 0 {
		b.sb.WriteString(" WHERE ")
	} else {
		b.sb.WriteString(" AND ")
	}
	b.where++
	b.sb.WriteString(column + " " + op + " " + b.arg(v))
	return b
}

// window applies the time range, newest-first order and paging of opts.
func (b *selectBuilder) window(opts domain.ListOpts) *selectBuilder {
	if opts.Since != nil {
		b.and("created_at", ">=", *opts.Since)
	}
	if opts.Until != nil {
		b.and("created_at", "<=", *opts.Until)
	}
	b.sb.WriteString(" ORDER BY created_at DESC")
	if opts.Limit > 0 {
		b.sb.WriteString(" LIMIT " + b.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		b.sb.WriteString(" OFFSET " + b.arg(opts.Offset))
	}
	return b
}

func (b *selectBuilder) build() (string, []any) {
	return b.sb.String(), b.args
}
