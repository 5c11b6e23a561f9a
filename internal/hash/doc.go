// Package hash provides the CRC32-Castagnoli checksums used for backup
// integrity.
//
// Backup manifests record the CRC32C of every file, and S3 uploads send the
// same checksum so that the service verifies what it stores:
//
//	sum := hash.CRC32C(data)
//	input.ChecksumCRC32C = aws.String(hash.EncodeCRC32C(sum))
//
// For streaming data:
//
//	h := hash.NewCRC32C()
//	io.Copy(h, r)
//	sum := h.Sum32()
package hash
