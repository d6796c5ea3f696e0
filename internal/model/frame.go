// Package model holds the value types shared across the frame pipeline.
package model

import "strings"

// Frame is an immutable image captured from an upstream source. Two
// frames with identical Data and ContentType are interchangeable;
// identity is by value, not by pointer.
type Frame struct {
	ContentType string
	Data        []byte
}

// Clone returns a Frame with its own copy of Data, safe to retain
// after the source buffer backing the original is reused.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{ContentType: f.ContentType, Data: data}
}

// MainType returns the main MIME type, e.g. "image" for "image/jpeg".
func MainType(contentType string) string {
	mainType, _, _ := strings.Cut(contentType, "/")
	return strings.TrimSpace(mainType)
}

// IsValidJPEG reports whether data looks like a well-formed JPEG:
// it must start with the SOI marker and end with the EOI marker.
func IsValidJPEG(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] != 0xFF || data[1] != 0xD8 {
		return false
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != 0xD9 {
		return false
	}
	return true
}
