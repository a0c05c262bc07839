/*
Package rockguard provides a safe access layer over an embedded, ordered
key/value engine.

Configuration is assembled once into immutable Bundles. A database opened
with a Bundle hands out column family handles, snapshots, iterators and
write batches, and tracks every one of them in a registry: closing the
database or dropping a column family while something still uses it fails
with an InUse error instead of invalidating live objects. Handles that
outlive their column family fail with InvalidHandle, and iterators bound to
a released snapshot fail with StaleSnapshot.

# Usage

	a := rockguard.NewAssembler()
	cfg := rockguard.DefaultConfig()
	cfg.CreateIfMissing = true
	b, err := a.Assemble(rockguard.DefaultColumnFamilyName, cfg)
	if err != nil {
		return err
	}
	db, err := rockguard.Open("/tmp/db", b)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Put(nil, []byte("k"), []byte("v")); err != nil {
		return err
	}
	v, err := db.Get(nil, []byte("k"))

For runnable examples, see the repository's examples directory.

# Transactions

BeginTransaction starts an optimistic transaction. It takes no locks;
Commit fails with Busy when another writer changed a key the transaction
wrote or read with GetForUpdate, and the caller rolls back and retries.

# Concurrency

A DB, its column family handles and snapshots are safe for concurrent use
by multiple goroutines. Iterator and WriteBatch are not; each goroutine
should use its own.

# Errors

Every error returned by the package carries one of the sentinel errors in
errors.go. Use errors.Is or CodeOf to branch on them.
*/
package rockguard
