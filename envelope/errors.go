package envelope

import "errors"

var errEmpty = errors.New("empty buffer")

// CodecError is returned when a message can't be packed or unpacked,
// such a message will never decode on redelivery.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return "envelope: " + e.Op + ": " + e.Err.Error()
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
