// Package s3 stores oil backups in Amazon S3.
//
// # Usage
//
//	store, err := s3.NewStoreFromConfig(ctx, "my-bucket", "backups/orders")
//	if err != nil {
//	    return err
//	}
//	m, err := db.Backup(ctx, store)
//
// Streaming writes go through the SDK's multipart uploader with CRC32C
// checksums. Put sends small blobs in one request, also checksummed.
//
// Several processes backing up to one prefix should wrap the store in a
// DDBCommitStore so that the CURRENT pointer is updated with a conditional
// DynamoDB write.
package s3
