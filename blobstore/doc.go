// Package blobstore abstracts where oil backups are kept.
//
// A backup is a handful of immutable blobs: the log image, the catalog
// image and a manifest describing both. BlobStore is the minimal interface
// needed to write them once and read them back:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: a map, for tests
//   - s3.Store: Amazon S3 with multipart uploads and CRC32C checksums
//   - minio.Store: MinIO and other S3-compatible servers
package blobstore
