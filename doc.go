// Package oil is an embedded store of named indexes and queues backed by a
// single write-ahead log.
//
// A Database owns one log file. Every mutation is appended to the log before
// it becomes visible in memory, and Open rebuilds the in-memory state by
// replaying the log from the start.
//
// # Quick Start
//
//	db := oil.New("data/app.log")
//	if err := db.Open(); err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	users, _ := db.Index("users")
//	users.Put("alice", []byte(`{"age":42}`))
//
//	jobs, _ := db.Queue("jobs")
//	ref, _ := jobs.Push([]byte("resize image 17"))
//	jobs.Remove(ref)
//
// # Indexes
//
// An Index is an ordered map from string keys to byte values. Iteration runs
// in key order. Writing a value equal to the stored one does not touch the
// log.
//
// # Queues
//
// A Queue is a FIFO of byte values. Push returns a Reference that stays
// valid until the item is removed. Items are kept in fixed-size extents
// (see WithMaxItemsPerExtent); an extent that empties is reused and every
// Reference into it goes stale. A QueueIterator can move its current item to
// another queue of the same database with one log record.
//
// # Durability
//
// With DurabilitySync (the default) a mutation returns after its record is
// on stable storage; concurrent mutations share an fsync. DurabilityAsync
// defers syncing to Sync, Close and Defragment.
//
// The log only grows. Defragment rewrites it with the live state;
// WithAutoDefragment runs it in the background.
//
// # Files
//
//	app.log       write-ahead log
//	app.log.cat   name catalog (collection names to ids)
//	app.log.lock  process lock
//
// # Backups
//
// Backup copies a compacted image of the log and the catalog to a
// blobstore.BlobStore (local directory, S3 or MinIO) and Restore recreates a
// database from it:
//
//	store := blobstore.NewLocalStore("/backups/app")
//	m, err := db.Backup(ctx, store)
//	...
//	_, err = oil.Restore(ctx, store, "restored/app.log")
//
// # Errors
//
// Open reports an unreadable log as *RecoveryError. A failed write surfaces
// as *IOError and leaves memory unchanged. Handles used after Close return
// ErrClosed.
package oil
