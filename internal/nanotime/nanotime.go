// Package nanotime provides the monotonic nanosecond readings the
// coordinator's backoff and tracing are written against. The idea is
// that all safepoint phase timestamps come from one monotonic base so
// differences between them are meaningful.
package nanotime

import "time"

var base = time.Now()

// Now returns nanoseconds since an arbitrary process-local base,
// monotonic: a later reading is never smaller than an earlier one, but
// two readings may be equal.
func Now() int64 {
	return int64(time.Since(base))
}

// Since returns the nanoseconds elapsed since an earlier Now reading.
func Since(start int64) int64 {
	return Now() - start
}
