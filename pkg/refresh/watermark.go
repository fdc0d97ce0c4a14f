package refresh

import (
	"fmt"
	"strconv"
	"time"
)

// coerceTime converts a value returned by accelerator.Writer.MaxValue
// into a time.Time. Engines report the watermark using whatever
// representation is natural for them (memengine returns a native Go
// scalar, fileengine returns the SQLite text representation), so this
// accepts the handful of shapes refresh needs to reason about a time
// column's current maximum.
func coerceTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case int64:
		return time.Unix(val, 0).UTC(), nil
	case float64:
		return time.Unix(int64(val), 0).UTC(), nil
	case string:
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return time.Unix(i, 0).UTC(), nil
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("cannot parse watermark %q as a time", val)
	default:
		return time.Time{}, fmt.Errorf("unsupported watermark type %T", v)
	}
}

// formatBound renders a lower-bound time.Time as a predicate literal.
// Unix-seconds is used as the lowest-common-denominator wire format;
// connectors that need a different literal shape wrap refresh_sql
// themselves (a dataset may always override via RefreshOverrides.SQL).
func formatBound(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
