package dataset

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// TimeFormat is the closed enum of time-column encodings a dataset may
// declare. It is only meaningful together with a specific physical
// column type - see ValidateTimeFormat.
type TimeFormat int

const (
	TimeFormatUnspecified TimeFormat = iota
	TimeFormatTimestamp
	TimeFormatTimestamptz
	TimeFormatUnixSeconds
	TimeFormatUnixMillis
	TimeFormatISO8601
	TimeFormatDate
)

func (f TimeFormat) String() string {
	switch f {
	case TimeFormatTimestamp:
		return "Timestamp"
	case TimeFormatTimestamptz:
		return "Timestamptz"
	case TimeFormatUnixSeconds:
		return "UnixSeconds"
	case TimeFormatUnixMillis:
		return "UnixMillis"
	case TimeFormatISO8601:
		return "ISO8601"
	case TimeFormatDate:
		return "Date"
	default:
		return "Unspecified"
	}
}

// TimeFormatMismatchError is the fatal admission error raised when a
// dataset's declared time_format is incompatible with the physical type
// of its time column in the federated schema.
type TimeFormatMismatchError struct {
	Expected TimeFormat
	Actual   arrow.DataType
}

func (e *TimeFormatMismatchError) Error() string {
	return fmt.Sprintf("TimeFormatMismatch{expected=%s, actual=%s}", e.Expected, e.Actual)
}

func isIntOrFloat(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return true
	default:
		return false
	}
}

// ValidateTimeFormat checks a (TimeFormat, column physical type) pair
// against the set of physical types each format is permitted to read
// from. A mismatch is always a fatal admission error for the owning
// dataset.
func ValidateTimeFormat(format TimeFormat, colType arrow.DataType) error {
	ok := false
	switch format {
	case TimeFormatISO8601:
		ok = colType.ID() == arrow.STRING || colType.ID() == arrow.LARGE_STRING
	case TimeFormatUnixSeconds, TimeFormatUnixMillis:
		ok = isIntOrFloat(colType)
	case TimeFormatTimestamp:
		if ts, isTs := colType.(*arrow.TimestampType); isTs {
			ok = ts.TimeZone == ""
		}
	case TimeFormatTimestamptz:
		if ts, isTs := colType.(*arrow.TimestampType); isTs {
			ok = ts.TimeZone != ""
		}
	case TimeFormatDate:
		ok = colType.ID() == arrow.DATE32 || colType.ID() == arrow.DATE64
	default:
		return fmt.Errorf("unspecified time format")
	}
	if !ok {
		return &TimeFormatMismatchError{Expected: format, Actual: colType}
	}
	return nil
}
