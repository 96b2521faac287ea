// Package payload decodes raw device payloads into named fields.
package payload

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

const (
	Cayenne = "cayenne"
	Raw     = "raw"
)

// DecodeError is returned for payloads that will never decode, retrying is pointless.
type DecodeError struct {
	Decoder string
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Decoder, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Decoder, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeFunc turns a payload received on port into fields.
type DecodeFunc func(b []byte, port int) (map[string]interface{}, error)

// Decoder dispatches to a DecodeFunc by name, decoders are pure functions of their inputs.
type Decoder struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewDecoder returns a Decoder knowing the built-in cayenne and raw formats.
func NewDecoder() *Decoder {
	d := &Decoder{decoders: make(map[string]DecodeFunc)}
	d.Register(Cayenne, DecodeCayenne)
	d.Register(Raw, DecodeRaw)
	return d
}

func (d *Decoder) Register(name string, fn DecodeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoders[name] = fn
}

// Names returns the registered decoder names, sorted.
func (d *Decoder) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.decoders))
	for n := range d.decoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Decode decodes payloadHex with the decoder called name.
func (d *Decoder) Decode(ctx context.Context, name, payloadHex string, port int) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	fn, ok := d.decoders[name]
	d.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{Decoder: name, Reason: "unknown decoder"}
	}

	b, err := hex.DecodeString(payloadHex)
	if err != nil {
		return nil, &DecodeError{Decoder: name, Reason: "invalid hex payload", Err: err}
	}

	fields, err := fn(b, port)
	if err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, &DecodeError{Decoder: name, Reason: "malformed payload", Err: err}
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return fields, nil
}

// DecodeRaw exposes the payload as is.
func DecodeRaw(b []byte, port int) (map[string]interface{}, error) {
	return map[string]interface{}{
		"payload_hex":  hex.EncodeToString(b),
		"payload_size": int64(len(b)),
		"port":         int64(port),
	}, nil
}
