package storage

import (
	"context"
	"errors"
	"time"
)

const Prefix = "TR"

// ErrNotFound is returned by the raw getters when no datalogger exists.
var ErrNotFound = errors.New("datalogger not found")

// Registry maps a device identifier to its decode configuration.
type Registry interface {
	// Lookup returns the datalogger for devID, creating it with the default
	// decoder when missing, existed reports if it was already registered.
	// It never updates the activity.
	Lookup(ctx context.Context, devID string) (dl *DataLogger, existed bool, err error)

	// TouchActivity sets LastSeen to now, creating the datalogger if needed.
	TouchActivity(ctx context.Context, devID string) error
}

// Admin inspects and configures dataloggers.
type Admin interface {
	Registry

	// Get returns the datalogger for devID or ErrNotFound.
	Get(ctx context.Context, devID string) (*DataLogger, error)

	// SetDecoder assigns decoder to devID, creating the datalogger if needed.
	SetDecoder(ctx context.Context, devID, decoder string) error

	// Keys lists the registered device ids.
	Keys(ctx context.Context) ([]string, error)
}

// DataLogger is a registered device.
type DataLogger struct {
	DevID     string    `msgpack:"devid"`
	Decoder   string    `msgpack:"decoder"`
	CreatedAt time.Time `msgpack:"created_at"`
	LastSeen  time.Time `msgpack:"last_seen,omitempty"`
}

// NewDataLogger returns a datalogger created at t.
func NewDataLogger(devID, decoder string, t time.Time) *DataLogger {
	return &DataLogger{
		DevID:     devID,
		Decoder:   decoder,
		CreatedAt: t.UTC(),
	}
}

// DataLoggerKey returns the key used to store a datalogger: Prefix+"L"+devID
func DataLoggerKey(devID string) []byte {
	return []byte(Prefix + "L" + devID)
}

// ReadDataLoggerKey returns the devID from a key
func ReadDataLoggerKey(k []byte) string {
	return string(k[len(Prefix)+1:])
}
