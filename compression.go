package rockguard

// compression.go exposes the closed set of value codecs.
//
// The codec is chosen when a Bundle is assembled; encoding and decoding
// switch on the value, nothing is looked up at runtime.

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/aalhour/rockguard/internal/compression"
	"github.com/aalhour/rockguard/internal/options"
)

// CompressionType selects a compression algorithm.
type CompressionType uint8

// Compression type constants. The values are the codec tags stored in
// value envelopes.
const (
	NoCompression     = CompressionType(compression.NoCompression)
	SnappyCompression = CompressionType(compression.SnappyCompression)
	ZlibCompression   = CompressionType(compression.ZlibCompression)
	BZip2Compression  = CompressionType(compression.BZip2Compression)
	LZ4Compression    = CompressionType(compression.LZ4Compression)
	ZstdCompression   = CompressionType(compression.ZstdCompression)
)

// String returns the canonical name of the compression type.
func (c CompressionType) String() string {
	return c.codec().String()
}

// ParseCompressionType parses names such as "snappy", "kZSTD" or "none".
func ParseCompressionType(s string) (CompressionType, error) {
	t, err := options.ParseCompression(s)
	if err != nil {
		return NoCompression, errors.Mark(err, ErrConfigError)
	}
	return CompressionType(t), nil
}

// MarshalText implements encoding.TextMarshaler.
func (c CompressionType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CompressionType) UnmarshalText(text []byte) error {
	t, err := ParseCompressionType(string(text))
	if err != nil {
		return err
	}
	*c = t
	return nil
}

func (c CompressionType) codec() compression.Type {
	return compression.Type(c)
}

// validateValueCodec fails for codecs this build cannot run.
func (c CompressionType) validateValueCodec() error {
	t := c.codec()
	if !t.IsKnown() {
		return errors.Wrapf(ErrConfigError, "unknown compression type %d", uint8(c))
	}
	if !t.IsSupported() {
		return errors.Wrapf(ErrConfigError, "compression %s is not available in this build", t)
	}
	return nil
}

// engineCompression maps a block compression choice onto the engine. The
// engine only implements a subset.
func (c CompressionType) engineCompression() (pebble.Compression, error) {
	switch c {
	case NoCompression:
		return pebble.NoCompression, nil
	case SnappyCompression:
		return pebble.SnappyCompression, nil
	case ZstdCompression:
		return pebble.ZstdCompression, nil
	}
	if err := c.validateValueCodec(); err != nil {
		return pebble.DefaultCompression, err
	}
	return pebble.DefaultCompression, errors.Wrapf(ErrConfigError,
		"compression %s cannot be used for engine blocks", c)
}
