// Package routing builds the hierarchical broker routing keys shared by publishers and queue bindings.
package routing

import (
	"errors"
	"strings"
)

const (
	// Delimiter separates routing key segments
	Delimiter = "."

	// Wildcard matches zero or more segments in a binding pattern
	Wildcard = "#"

	// TheThings is the vendor tag for The Things Network uplinks
	TheThings = "thethings"
)

// ErrEmptySegment is returned when a vendor tag or device id is empty.
var ErrEmptySegment = errors.New("empty routing key segment")

// segmentReplacer substitutes characters that would break a topic segment.
var segmentReplacer = strings.NewReplacer(
	".", "_",
	"*", "_",
	"#", "_",
	" ", "_",
	"\t", "_",
	"\n", "_",
	"\r", "_",
)

// Builder creates keys under an optional Prefix.
type Builder struct {
	Prefix string
}

// Key returns <prefix>.<vendorTag>.<deviceID>, delimiters and wildcards inside
// deviceID are replaced by "_".
func (b Builder) Key(vendorTag, deviceID string) (string, error) {
	if vendorTag == "" || deviceID == "" {
		return "", ErrEmptySegment
	}
	return b.join(Segment(vendorTag), Segment(deviceID)), nil
}

// Pattern returns the binding matching every key of vendorTag: <prefix>.<vendorTag>.#
func (b Builder) Pattern(vendorTag string) string {
	return b.join(Segment(vendorTag), Wildcard)
}

// QueueName returns <prefix>_<stage>_<vendorTag>_<suffix>, e.g. fvh_decode_thethings_http_queue.
func (b Builder) QueueName(stage, vendorTag, suffix string) string {
	parts := make([]string, 0, 4)
	if b.Prefix != "" {
		parts = append(parts, b.Prefix)
	}
	parts = append(parts, stage, vendorTag)
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return strings.Join(parts, "_")
}

func (b Builder) join(segs ...string) string {
	if b.Prefix == "" {
		return strings.Join(segs, Delimiter)
	}
	return b.Prefix + Delimiter + strings.Join(segs, Delimiter)
}

// Segment sanitizes a single key segment.
func Segment(s string) string {
	return segmentReplacer.Replace(s)
}
