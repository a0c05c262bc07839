// Package options parses string-typed option values.
//
// The same parsers serve configuration files (after viper has decoded them
// into strings) and DB.SetOptions, so both accept the same spellings.
//
// This package is internal and not part of the public API.
package options

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aalhour/rockguard/internal/compression"
)

// ErrInvalid is wrapped by every parse failure.
var ErrInvalid = errors.New("options: invalid option")

// Names of the column family options that can change on a live database.
const (
	KeyCompression        = "compression"
	KeyCompressionMinSize = "compression_min_size"
	KeyVerifyChecksums    = "verify_checksums"
)

// Mutable holds the parsed subset of a SetOptions request. Nil fields were
// not named in the request.
type Mutable struct {
	Compression        *compression.Type
	CompressionMinSize *int
	VerifyChecksums    *bool
}

// MutableKeys returns the option names accepted by ParseMutable.
func MutableKeys() []string {
	return []string{KeyCompression, KeyCompressionMinSize, KeyVerifyChecksums}
}

// ParseMutable parses a SetOptions request. It fails on an empty map, an
// unknown name, a value that does not parse, and NUL bytes in names or
// values. Nothing is returned unless every entry parses.
func ParseMutable(kv map[string]string) (Mutable, error) {
	var m Mutable
	if len(kv) == 0 {
		return m, fmt.Errorf("%w: no options given", ErrInvalid)
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := kv[key]
		if strings.IndexByte(key, 0) >= 0 || strings.IndexByte(value, 0) >= 0 {
			return Mutable{}, fmt.Errorf("%w: NUL byte in %q", ErrInvalid, key)
		}
		switch key {
		case KeyCompression:
			t, err := ParseCompression(value)
			if err != nil {
				return Mutable{}, err
			}
			m.Compression = &t
		case KeyCompressionMinSize:
			n, err := ParseSize(value)
			if err != nil {
				return Mutable{}, err
			}
			size := int(n)
			m.CompressionMinSize = &size
		case KeyVerifyChecksums:
			b, err := ParseBool(value)
			if err != nil {
				return Mutable{}, err
			}
			m.VerifyChecksums = &b
		default:
			return Mutable{}, fmt.Errorf("%w: unknown option %q", ErrInvalid, key)
		}
	}
	return m, nil
}

// ParseCompression accepts short names ("snappy"), RocksDB enum spellings
// ("kSnappyCompression") and the String form of compression.Type. Excluded
// codecs parse successfully; support is checked by the caller.
func ParseCompression(s string) (compression.Type, error) {
	switch strings.TrimSpace(s) {
	case "", "none", "no", "kNoCompression", "NoCompression":
		return compression.NoCompression, nil
	case "snappy", "kSnappyCompression", "Snappy":
		return compression.SnappyCompression, nil
	case "zlib", "kZlibCompression", "Zlib":
		return compression.ZlibCompression, nil
	case "bzip2", "kBZip2Compression", "BZip2":
		return compression.BZip2Compression, nil
	case "lz4", "kLZ4Compression", "LZ4":
		return compression.LZ4Compression, nil
	case "zstd", "kZSTD", "ZSTD":
		return compression.ZstdCompression, nil
	default:
		return compression.NoCompression, fmt.Errorf("%w: unknown compression %q", ErrInvalid, s)
	}
}

// ParseCompressionList parses a comma separated list of compression names.
func ParseCompressionList(s string) ([]compression.Type, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]compression.Type, 0, len(parts))
	for _, p := range parts {
		t, err := ParseCompression(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseBool accepts the strconv spellings plus yes/no and on/off.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("%w: bad boolean %q", ErrInvalid, s)
	}
	return b, nil
}

var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30},
	{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30},
	{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
}

// ParseSize parses a non-negative byte count with an optional binary
// suffix: "4096", "64KB", "8MiB", "1G".
func ParseSize(s string) (int64, error) {
	v := strings.TrimSpace(s)
	mult := int64(1)
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(v, sf.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, sf.suffix))
			mult = sf.mult
			break
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrInvalid, s)
	}
	if n > (1<<62)/mult {
		return 0, fmt.Errorf("%w: size %q overflows", ErrInvalid, s)
	}
	return n * mult, nil
}
