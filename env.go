package rockguard

// env.go implements the open-path table.
//
// An Env records which database paths are open in this process. Opening a
// path claims it in the table before taking the cross-process file lock,
// so two opens of one path fail with LockHeld whether they race inside one
// process or across processes. Independent Envs share nothing except the
// file lock, which lets tests run many databases side by side.

import (
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aalhour/rockguard/internal/catalog"
	"github.com/aalhour/rockguard/internal/vfs"
)

// lockFileName is the name of the cross-process lock file in a database
// directory.
const lockFileName = "GUARD.LOCK"

// Env holds the set of database paths opened through it. It is safe for
// concurrent use.
type Env struct {
	fs    vfs.FS
	paths *xsync.MapOf[string, struct{}]
}

// NewEnv returns an Env backed by the OS filesystem.
func NewEnv() *Env {
	return newEnvFS(vfs.Default())
}

func newEnvFS(fs vfs.FS) *Env {
	return &Env{
		fs:    fs,
		paths: xsync.NewMapOf[string, struct{}](),
	}
}

// pathKey returns the table key of a database path.
func pathKey(path string) (string, error) {
	if path == "" {
		return "", errors.Wrap(ErrInvalidArgument, "database path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidArgument, "database path %q: %v", path, err)
	}
	return filepath.Clean(abs), nil
}

// claim reserves key in the table. It fails with LockHeld if key is
// already claimed.
func (e *Env) claim(key string) error {
	if _, loaded := e.paths.LoadOrStore(key, struct{}{}); loaded {
		return errors.Wrapf(ErrLockHeld, "database %q is already open in this process", key)
	}
	return nil
}

func (e *Env) release(key string) {
	e.paths.Delete(key)
}

// IsOpen reports whether path is open through e.
func (e *Env) IsOpen(path string) bool {
	key, err := pathKey(path)
	if err != nil {
		return false
	}
	_, ok := e.paths.Load(key)
	return ok
}

// Open opens the database at path with its default column family
// configured by b. Other column families are opened with their stored
// configuration; handles to them are obtained with GetColumnFamily.
func (e *Env) Open(path string, b *Bundle) (*DB, error) {
	db, _, err := e.OpenColumnFamilies(path, b, nil)
	return db, err
}

// OpenColumnFamilies opens the database at path and returns one handle per
// descriptor, in order. Each returned handle must be closed before the
// database.
//
// It fails with NotFound when the database does not exist and b does not
// set CreateIfMissing, or when a descriptor names a missing column family
// and CreateMissingColumnFamilies is not set; with InvalidArgument when the
// database exists and b sets ErrorIfExists; with LockHeld when the path is
// open elsewhere; with ConfigError when a comparator differs from the one
// the column family was created with; and with Corruption when the stored
// state fails its integrity checks.
func (e *Env) OpenColumnFamilies(path string, b *Bundle, descs []ColumnFamilyDescriptor) (*DB, []*ColumnFamilyHandle, error) {
	if b == nil {
		return nil, nil, errors.Wrap(ErrInvalidArgument, "open: bundle is nil")
	}
	if err := validateDescriptors(descs); err != nil {
		return nil, nil, err
	}
	key, err := pathKey(path)
	if err != nil {
		return nil, nil, err
	}
	if err := e.claim(key); err != nil {
		return nil, nil, err
	}

	db, handles, err := openDB(e, key, b, descs)
	if err != nil {
		e.release(key)
		return nil, nil, err
	}
	return db, handles, nil
}

func validateDescriptors(descs []ColumnFamilyDescriptor) error {
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return errors.Wrap(ErrInvalidArgument, "column family descriptor without a name")
		}
		if seen[d.Name] {
			return errors.Wrapf(ErrInvalidArgument, "column family %q listed twice", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Destroy deletes the database at path. It fails with LockHeld while the
// database is open, in this process or another. Destroying a path that
// holds no database is a no-op.
func (e *Env) Destroy(path string) error {
	key, err := pathKey(path)
	if err != nil {
		return err
	}
	if err := e.claim(key); err != nil {
		return err
	}
	defer e.release(key)

	if !e.fs.Exists(key) {
		return nil
	}
	lock, err := e.fs.Lock(filepath.Join(key, lockFileName))
	if err != nil {
		return engineError(err, "destroy %q", key)
	}
	defer lock.Close()

	if err := e.fs.RemoveAll(key); err != nil {
		return engineError(err, "destroy %q", key)
	}
	return nil
}

// catalogExists reports whether path holds a database created by this
// package.
func (e *Env) catalogExists(path string) bool {
	return catalog.Exists(e.fs, path)
}

// Open opens the database at path using a private Env. Only the
// cross-process file lock guards the path.
func Open(path string, b *Bundle) (*DB, error) {
	return NewEnv().Open(path, b)
}

// OpenColumnFamilies opens the database at path using a private Env.
func OpenColumnFamilies(path string, b *Bundle, descs []ColumnFamilyDescriptor) (*DB, []*ColumnFamilyHandle, error) {
	return NewEnv().OpenColumnFamilies(path, b, descs)
}

// DestroyDB deletes the database at path using a private Env. It fails
// with LockHeld while the database is open.
func DestroyDB(path string) error {
	return NewEnv().Destroy(path)
}
