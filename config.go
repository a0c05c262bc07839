package rockguard

// config.go loads Config values from files and the environment.
//
// A configuration file (YAML, TOML or JSON, by extension) holds the
// database-wide settings at the top level and per column family overrides
// under column_families. Environment variables named <prefix>_<KEY>
// override top-level keys. Unknown keys are rejected.
//
//	compression: zstd
//	block_cache_size: 64MiB
//	create_if_missing: true
//	column_families:
//	  counters:
//	    merge_operator: UInt64AddOperator

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aalhour/rockguard/internal/logging"
	"github.com/aalhour/rockguard/internal/options"
)

// DefaultEnvPrefix is the environment variable prefix used by LoadConfig
// when ConfigSource.EnvPrefix is empty.
const DefaultEnvPrefix = "ROCKGUARD"

// ConfigSource names where LoadConfig reads from. All fields are optional.
type ConfigSource struct {
	// File is a configuration file path.
	File string
	// EnvFiles are dotenv files loaded into the process environment first.
	// Variables already set are not overridden.
	EnvFiles []string
	// EnvPrefix is the prefix of the environment variables consulted.
	EnvPrefix string
}

// ConfigSet is a loaded configuration: the database-wide Config, used for
// the default column family, and one Config per named column family.
type ConfigSet struct {
	Default        Config
	ColumnFamilies map[string]Config
}

// fileConfig mirrors the accepted keys. Values are strings so that every
// source is parsed by the same option parsers.
type fileConfig struct {
	Compression                 string   `mapstructure:"compression"`
	CompressionPerLevel         []string `mapstructure:"compression_per_level"`
	CompressionMinSize          string   `mapstructure:"compression_min_size"`
	Comparator                  string   `mapstructure:"comparator"`
	MergeOperator               string   `mapstructure:"merge_operator"`
	BlockCacheSize              string   `mapstructure:"block_cache_size"`
	WriteBufferSize             string   `mapstructure:"write_buffer_size"`
	CreateIfMissing             string   `mapstructure:"create_if_missing"`
	CreateMissingColumnFamilies string   `mapstructure:"create_missing_column_families"`
	ErrorIfExists               string   `mapstructure:"error_if_exists"`
	MaxOpenFiles                string   `mapstructure:"max_open_files"`
	DisableWAL                  string   `mapstructure:"disable_wal"`
	RowCacheSize                string   `mapstructure:"row_cache_size"`
	VerifyChecksums             string   `mapstructure:"verify_checksums"`
	LogLevel                    string   `mapstructure:"log_level"`

	ColumnFamilies map[string]familyConfig `mapstructure:"column_families"`
}

// familyConfig holds the keys a column family may override.
type familyConfig struct {
	Compression        string `mapstructure:"compression"`
	CompressionMinSize string `mapstructure:"compression_min_size"`
	Comparator         string `mapstructure:"comparator"`
	MergeOperator      string `mapstructure:"merge_operator"`
	VerifyChecksums    string `mapstructure:"verify_checksums"`
}

// topLevelKeys are the keys environment variables may set.
var topLevelKeys = []string{
	"compression", "compression_per_level", "compression_min_size",
	"comparator", "merge_operator", "block_cache_size", "write_buffer_size",
	"create_if_missing", "create_missing_column_families", "error_if_exists",
	"max_open_files", "disable_wal", "row_cache_size", "verify_checksums",
	"log_level",
}

// LoadConfig reads a ConfigSet from src. Settings not given keep the
// values of DefaultConfig. It fails with ConfigError on unknown keys or
// invalid values, and with NotFound when a named file does not exist.
func LoadConfig(src ConfigSource) (ConfigSet, error) {
	if len(src.EnvFiles) > 0 {
		if err := godotenv.Load(src.EnvFiles...); err != nil {
			return ConfigSet{}, loadError(err, "load env files")
		}
	}

	v := viper.New()
	for _, k := range topLevelKeys {
		v.SetDefault(k, "")
	}
	prefix := src.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if src.File != "" {
		v.SetConfigFile(src.File)
		if err := v.ReadInConfig(); err != nil {
			return ConfigSet{}, loadError(err, "read %q", src.File)
		}
	}

	var fc fileConfig
	if err := v.UnmarshalExact(&fc); err != nil {
		return ConfigSet{}, errors.Wrapf(ErrConfigError, "decode configuration: %v", err)
	}
	return fc.configSet()
}

func loadError(err error, format string, args ...any) error {
	if isNotExist(err) {
		return errors.Wrapf(errors.Mark(err, ErrNotFound), format, args...)
	}
	return errors.Wrapf(errors.Mark(err, ErrConfigError), format, args...)
}

func (fc *fileConfig) configSet() (ConfigSet, error) {
	cfg := DefaultConfig()
	p := parser{}
	p.compression(&cfg.Compression, "compression", fc.Compression)
	for _, s := range fc.CompressionPerLevel {
		p.compressionList(&cfg.CompressionPerLevel, "compression_per_level", s)
	}
	p.int(&cfg.CompressionMinSize, "compression_min_size", fc.CompressionMinSize)
	p.str(&cfg.Comparator, fc.Comparator)
	p.str(&cfg.MergeOperator, fc.MergeOperator)
	p.size(&cfg.BlockCacheSize, "block_cache_size", fc.BlockCacheSize)
	if fc.WriteBufferSize != "" {
		var n int64
		p.size(&n, "write_buffer_size", fc.WriteBufferSize)
		cfg.WriteBufferSize = uint64(n)
	}
	p.bool(&cfg.CreateIfMissing, "create_if_missing", fc.CreateIfMissing)
	p.bool(&cfg.CreateMissingColumnFamilies, "create_missing_column_families", fc.CreateMissingColumnFamilies)
	p.bool(&cfg.ErrorIfExists, "error_if_exists", fc.ErrorIfExists)
	p.int(&cfg.MaxOpenFiles, "max_open_files", fc.MaxOpenFiles)
	p.bool(&cfg.DisableWAL, "disable_wal", fc.DisableWAL)
	p.int(&cfg.RowCacheSize, "row_cache_size", fc.RowCacheSize)
	p.bool(&cfg.VerifyChecksums, "verify_checksums", fc.VerifyChecksums)
	if fc.LogLevel != "" {
		level, err := logging.ParseLevel(fc.LogLevel)
		if err != nil {
			p.fail("log_level", err)
		} else {
			cfg.Logger = logging.NewDefaultLogger(level)
		}
	}

	set := ConfigSet{Default: cfg, ColumnFamilies: make(map[string]Config, len(fc.ColumnFamilies))}
	names := make([]string, 0, len(fc.ColumnFamilies))
	for name := range fc.ColumnFamilies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := fc.ColumnFamilies[name]
		c := cfg
		c.CompressionPerLevel = append([]CompressionType(nil), cfg.CompressionPerLevel...)
		p.compression(&c.Compression, name+".compression", f.Compression)
		p.int(&c.CompressionMinSize, name+".compression_min_size", f.CompressionMinSize)
		p.str(&c.Comparator, f.Comparator)
		p.str(&c.MergeOperator, f.MergeOperator)
		p.bool(&c.VerifyChecksums, name+".verify_checksums", f.VerifyChecksums)
		set.ColumnFamilies[name] = c
	}
	if p.err != nil {
		return ConfigSet{}, p.err
	}
	return set, nil
}

// parser applies string settings and keeps the first error.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = errors.Wrapf(ErrConfigError, "%s: %v", key, err)
	}
}

func (p *parser) str(dst *string, s string) {
	if s != "" {
		*dst = s
	}
}

func (p *parser) compression(dst *CompressionType, key, s string) {
	if s == "" {
		return
	}
	t, err := options.ParseCompression(s)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = CompressionType(t)
}

func (p *parser) compressionList(dst *[]CompressionType, key, s string) {
	ts, err := options.ParseCompressionList(s)
	if err != nil {
		p.fail(key, err)
		return
	}
	for _, t := range ts {
		*dst = append(*dst, CompressionType(t))
	}
}

func (p *parser) int(dst *int, key, s string) {
	if s == "" {
		return
	}
	n, err := options.ParseSize(s)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = int(n)
}

func (p *parser) size(dst *int64, key, s string) {
	if s == "" {
		return
	}
	n, err := options.ParseSize(s)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = n
}

func (p *parser) bool(dst *bool, key, s string) {
	if s == "" {
		return
	}
	b, err := options.ParseBool(s)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = b
}

// Assemble validates the set with a and returns the database Bundle and
// one descriptor per column family, sorted by name.
func (cs ConfigSet) Assemble(a *Assembler) (*Bundle, []ColumnFamilyDescriptor, error) {
	b, err := a.Assemble(DefaultColumnFamilyName, cs.Default)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(cs.ColumnFamilies))
	for name := range cs.ColumnFamilies {
		names = append(names, name)
	}
	sort.Strings(names)
	descs := make([]ColumnFamilyDescriptor, 0, len(names))
	for _, name := range names {
		cb, err := a.Assemble(name, cs.ColumnFamilies[name])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "column family %q", name)
		}
		descs = append(descs, ColumnFamilyDescriptor{Name: name, Bundle: cb})
	}
	return b, descs, nil
}
