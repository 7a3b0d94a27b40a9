package duck

import (
	"fmt"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
)

const (
	dateLayout = time.DateOnly
	timeLayout = "15:04:05.999999"
)

// scalar turns a scanned engine value into a plain JSON-friendly value.
// typeName is the column's DuckDB type and only matters for time.Time,
// which DATE, TIME and TIMESTAMP columns all scan into.
func scalar(val any, typeName string) any {
	switch v := val.(type) {
	case []byte:
		return string(v)
	case duckdb.Decimal:
		return v.Float64()
	case duckdb.Interval:
		return FormatInterval(v)
	case time.Time:
		switch typeName {
		case "DATE":
			return v.Format(dateLayout)
		case "TIME":
			return v.Format(timeLayout)
		}
		return v
	default:
		return val
	}
}

// FormatInterval renders an interval the way Postgres prints one, e.g.
// "1 mon 2 days 00:05:00".
func FormatInterval(iv duckdb.Interval) string {
	var parts []string
	if iv.Months != 0 {
		parts = append(parts, plural(int64(iv.Months), "mon", "mons"))
	}
	if iv.Days != 0 {
		parts = append(parts, plural(int64(iv.Days), "day", "days"))
	}
	if iv.Micros != 0 || len(parts) == 0 {
		d := time.Duration(iv.Micros) * time.Microsecond
		sign := ""
		if d < 0 {
			sign = "-"
			d = -d
		}
		h := int64(d / time.Hour)
		m := int64(d % time.Hour / time.Minute)
		sec := int64(d % time.Minute / time.Second)
		clock := fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, sec)
		if frac := d % time.Second; frac != 0 {
			clock += strings.TrimRight(fmt.Sprintf(".%06d", frac/time.Microsecond), "0")
		}
		parts = append(parts, clock)
	}
	return strings.Join(parts, " ")
}

func plural(n int64, one, many string) string {
	if n == 1 || n == -1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
