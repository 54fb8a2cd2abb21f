package reconcile

import (
	"reflect"
	"time"

	"github.com/markb/boardsync/internal/realtime"
)

const stampField = "updated_at"

// stampOf reads updated_at as epoch milliseconds. Servers send either an
// RFC 3339 string or a number.
func stampOf(r realtime.Record) (int64, bool) {
	switch v := r[stampField].(type) {
	case nil:
		return 0, false
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	default:
		f, ok := number(v)
		if !ok {
			return 0, false
		}
		return int64(f), true
	}
}

// sameValue compares two wire values, treating every numeric type alike.
func sameValue(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}
