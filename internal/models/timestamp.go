package models

import (
	"strconv"
	"time"
)

// ParseTimestamp accepts RFC3339, RFC3339Nano, or Unix milliseconds
// (as a JSON number or numeric string). Empty or unparseable input returns false.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t.UTC(), true
		}
		if ms, err := strconv.ParseInt(x, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
	case float64:
		if x > 0 {
			return time.UnixMilli(int64(x)).UTC(), true
		}
	case int64:
		if x > 0 {
			return time.UnixMilli(x).UTC(), true
		}
	}
	return time.Time{}, false
}
