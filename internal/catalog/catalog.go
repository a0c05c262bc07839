// Package catalog persists the column-family catalog of a database.
//
// The catalog is the layer's only on-disk state besides the lock file. It
// records, for each column family, the numeric id that prefixes its keys,
// the comparator and merge operator names it was created with, and its
// mutable value options. Its presence in a directory marks an existing
// database.
//
// File format:
//
//	[4 bytes magic "RGC1"][fixed32 masked crc32c(payload)][avro payload]
//
// The file is replaced atomically on every change.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hamba/avro"

	"github.com/aalhour/rockguard/internal/checksum"
	"github.com/aalhour/rockguard/internal/encoding"
	"github.com/aalhour/rockguard/internal/vfs"
)

// FileName is the name of the catalog file inside the database directory.
const FileName = "CATALOG"

// DefaultName is the name of the column family that always exists.
const DefaultName = "default"

// DefaultID is the id of the default column family.
const DefaultID uint32 = 0

const (
	formatVersion = 1
	headerSize    = 8
)

var magic = []byte("RGC1")

var (
	// ErrNotExist is returned by Read when the directory holds no catalog.
	ErrNotExist = errors.New("catalog: not found")

	// ErrCorrupt is returned when the catalog fails its integrity checks.
	ErrCorrupt = errors.New("catalog: corrupt")
)

var catalogSchema = avro.MustParse(`{
	"type": "record",
	"name": "catalog",
	"namespace": "io.rockguard",
	"fields": [
		{"name": "version", "type": "int"},
		{"name": "next_id", "type": "long"},
		{"name": "families", "type": {
			"type": "array",
			"items": {
				"name": "family",
				"type": "record",
				"fields": [
					{"name": "name", "type": "string"},
					{"name": "id", "type": "long"},
					{"name": "comparator", "type": "string"},
					{"name": "merge_operator", "type": "string"},
					{"name": "compression", "type": "int"},
					{"name": "compression_min_size", "type": "long"},
					{"name": "verify_checksums", "type": "boolean"}
				]
			}
		}},
		{"name": "dropped", "type": {"type": "array", "items": "family"}}
	]
}`)

// Family is the persisted description of one column family.
type Family struct {
	Name               string `avro:"name"`
	ID                 int64  `avro:"id"`
	Comparator         string `avro:"comparator"`
	MergeOperator      string `avro:"merge_operator"`
	Compression        int32  `avro:"compression"`
	CompressionMinSize int64  `avro:"compression_min_size"`
	VerifyChecksums    bool   `avro:"verify_checksums"`
}

// Catalog is the set of column families of one database. A Catalog value is
// treated as immutable once published; mutations go through Clone.
type Catalog struct {
	Version  int32    `avro:"version"`
	NextID   int64    `avro:"next_id"`
	Families []Family `avro:"families"`

	// Dropped holds removed families. Their keys may remain in the engine
	// until compacted away, so their comparators are still needed.
	Dropped []Family `avro:"dropped"`
}

// New returns a catalog holding only the default column family.
func New(def Family) *Catalog {
	def.Name = DefaultName
	def.ID = int64(DefaultID)
	return &Catalog{
		Version:  formatVersion,
		NextID:   int64(DefaultID) + 1,
		Families: []Family{def},
	}
}

// Clone returns a deep copy of c.
func (c *Catalog) Clone() *Catalog {
	out := *c
	out.Families = append([]Family(nil), c.Families...)
	out.Dropped = append([]Family(nil), c.Dropped...)
	return &out
}

// Find returns the family with the given name.
func (c *Catalog) Find(name string) (Family, bool) {
	for _, f := range c.Families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// Names returns the family names, default first, the rest in id order.
func (c *Catalog) Names() []string {
	fams := append([]Family(nil), c.Families...)
	sort.Slice(fams, func(i, j int) bool { return fams[i].ID < fams[j].ID })
	names := make([]string, len(fams))
	for i, f := range fams {
		names[i] = f.Name
	}
	return names
}

// Add assigns the next id to f and appends it. Ids are never reused.
func (c *Catalog) Add(f Family) (Family, error) {
	if _, ok := c.Find(f.Name); ok {
		return Family{}, fmt.Errorf("catalog: column family %q already exists", f.Name)
	}
	if c.NextID > int64(^uint32(0)) {
		return Family{}, errors.New("catalog: column family ids exhausted")
	}
	f.ID = c.NextID
	c.NextID++
	c.Families = append(c.Families, f)
	return f, nil
}

// Remove moves the named family to Dropped. It reports whether it was
// present.
func (c *Catalog) Remove(name string) bool {
	for i, f := range c.Families {
		if f.Name == name {
			c.Families = append(c.Families[:i], c.Families[i+1:]...)
			c.Dropped = append(c.Dropped, f)
			return true
		}
	}
	return false
}

// Replace overwrites the family with the same name as f.
func (c *Catalog) Replace(f Family) bool {
	for i := range c.Families {
		if c.Families[i].Name == f.Name {
			f.ID = c.Families[i].ID
			c.Families[i] = f
			return true
		}
	}
	return false
}

// Encode serializes the catalog with its header.
func (c *Catalog) Encode() ([]byte, error) {
	payload, err := avro.Marshal(catalogSchema, c)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, magic...)
	out = encoding.AppendFixed32(out, checksum.MaskedValue(payload))
	return append(out, payload...), nil
}

// Decode parses a catalog produced by Encode.
func Decode(data []byte) (*Catalog, error) {
	if len(data) < headerSize || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	payload := data[headerSize:]
	if checksum.Unmask(encoding.DecodeFixed32(data[len(magic):])) != checksum.Value(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var c Catalog
	if err := avro.Unmarshal(catalogSchema, payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if c.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, c.Version)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seenName := make(map[string]bool, len(c.Families))
	seenID := make(map[int64]bool, len(c.Families)+len(c.Dropped))
	for _, f := range c.Dropped {
		if seenID[f.ID] || f.ID >= c.NextID || f.ID == int64(DefaultID) {
			return fmt.Errorf("%w: bad dropped family id %d", ErrCorrupt, f.ID)
		}
		seenID[f.ID] = true
	}
	hasDefault := false
	for _, f := range c.Families {
		if seenName[f.Name] || seenID[f.ID] {
			return fmt.Errorf("%w: duplicate family %q", ErrCorrupt, f.Name)
		}
		if f.ID < 0 || f.ID >= c.NextID {
			return fmt.Errorf("%w: family %q has id %d beyond next id %d", ErrCorrupt, f.Name, f.ID, c.NextID)
		}
		seenName[f.Name], seenID[f.ID] = true, true
		if f.Name == DefaultName && f.ID == int64(DefaultID) {
			hasDefault = true
		}
	}
	if !hasDefault {
		return fmt.Errorf("%w: default column family missing", ErrCorrupt)
	}
	return nil
}

// Path returns the catalog path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Exists reports whether dir holds a catalog.
func Exists(fs vfs.FS, dir string) bool {
	return fs.Exists(Path(dir))
}

// Read loads the catalog of dir.
func Read(fs vfs.FS, dir string) (*Catalog, error) {
	data, err := fs.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return Decode(data)
}

// Write atomically replaces the catalog of dir.
func Write(fs vfs.FS, dir string, c *Catalog) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return vfs.WriteFileAtomic(fs, Path(dir), data)
}
