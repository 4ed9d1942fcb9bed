//go:build !appengine
// +build !appengine

// Package bytes provides efficient byte/string conversion utilities.
package bytes

import "unsafe"

// StringToBytes converts a string to []byte without memory allocation.
// The returned slice shares memory with the original string and MUST NOT
// be modified.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// BytesToString converts a []byte to string without memory allocation.
// The original slice MUST NOT be modified after this call.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
