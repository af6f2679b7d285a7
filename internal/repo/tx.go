package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Beginner opens transactions.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// RunTx runs fn in a transaction opened on b. The transaction is committed
// when fn returns nil and rolled back on error or panic. Both backends
// implement WithTx through it.
func RunTx(ctx context.Context, b Beginner, fn func(tx Tx) error) (err error) {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Rebind rewrites "?" placeholders to the dialect's native form. Question
// marks inside single-quoted literals are left alone.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// AsInt64 converts a raw Query value to int64. Drivers return integers as
// int64, int32 or their textual form depending on the column type.
func AsInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected integer column type %T", v)
	}
}

// sqliteTimeLayouts are the textual timestamp forms the embedded backend can
// hand back through raw queries.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// AsTime converts a raw Query value to a UTC time.
func AsTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x.UTC(), nil
	case []byte:
		return AsTime(string(x))
	case string:
		for _, layout := range sqliteTimeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", x)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp column type %T", v)
	}
}
