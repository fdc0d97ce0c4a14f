package memengine

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// valueAt extracts the Go value of column col at row i as a comparable
// scalar. It covers the int/float/string/timestamp families that the
// accelerator's time-column comparisons need; unsupported types return
// nil.
func valueAt(col arrow.Array, i int) any {
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(i)
	case *array.Int32:
		return int64(c.Value(i))
	case *array.Uint64:
		return int64(c.Value(i))
	case *array.Float64:
		return c.Value(i)
	case *array.Float32:
		return float64(c.Value(i))
	case *array.String:
		return c.Value(i)
	case *array.LargeString:
		return c.Value(i)
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return c.Value(i).ToTime(unit)
	case *array.Date32:
		return c.Value(i).ToTime()
	default:
		return nil
	}
}

// compareAny compares two scalars produced by valueAt. It returns
// -1/0/1. Mismatched or unsupported types compare as equal, which is
// deliberately conservative (never drops a row it can't compare).
func compareAny(a, b any) int {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0
		}
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func columnMax(rec arrow.Record, fieldIdx int) (any, bool) {
	col := rec.Column(fieldIdx)
	if col.Len() == 0 {
		return nil, false
	}
	max := valueAt(col, 0)
	if max == nil {
		return nil, false
	}
	for i := 1; i < col.Len(); i++ {
		v := valueAt(col, i)
		if compareAny(v, max) > 0 {
			max = v
		}
	}
	return max, true
}

// appendValue copies row i of src onto builder b. It supports the same
// type set as valueAt.
func appendValue(b array.Builder, src arrow.Array, i int) {
	switch bb := b.(type) {
	case *array.Int64Builder:
		bb.Append(src.(*array.Int64).Value(i))
	case *array.Int32Builder:
		bb.Append(src.(*array.Int32).Value(i))
	case *array.Uint64Builder:
		bb.Append(src.(*array.Uint64).Value(i))
	case *array.Float64Builder:
		bb.Append(src.(*array.Float64).Value(i))
	case *array.Float32Builder:
		bb.Append(src.(*array.Float32).Value(i))
	case *array.StringBuilder:
		bb.Append(src.(*array.String).Value(i))
	case *array.LargeStringBuilder:
		bb.Append(src.(*array.LargeString).Value(i))
	case *array.TimestampBuilder:
		bb.Append(src.(*array.Timestamp).Value(i))
	case *array.Date32Builder:
		bb.Append(src.(*array.Date32).Value(i))
	default:
		b.AppendNull()
	}
}
