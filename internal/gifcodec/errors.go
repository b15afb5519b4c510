package gifcodec

import "fmt"

// DecodeError reports malformed or unsupported GIF input.
type DecodeError struct {
	Offset int64 // byte offset reached when the error was detected, -1 if unknown
	Frame  int   // zero-based frame index, -1 if unknown
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode gif"
	if e.Frame >= 0 {
		msg += fmt.Sprintf(" frame %d", e.Frame)
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at byte %d", e.Offset)
	}
	return msg + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a document that cannot be written as a GIF.
type EncodeError struct {
	Frame int // -1 when the error is not tied to a frame
	Err   error
}

func (e *EncodeError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("encode gif frame %d: %v", e.Frame, e.Err)
	}
	return "encode gif: " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error { return e.Err }
