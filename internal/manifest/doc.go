// Package manifest describes oil backups.
//
// A backup is a set of immutable blobs below backups/<id>/ plus a manifest
// MANIFEST-<id>.bin that lists them with their sizes and CRC32C checksums.
// The CURRENT blob names the newest complete manifest. It is written last,
// so a backup interrupted at any point leaves CURRENT on the previous one.
//
//	backups/000003/log
//	backups/000003/catalog
//	MANIFEST-000003.bin
//	CURRENT -> MANIFEST-000003.bin
//
// Manifests use a small binary format: a 16-byte header (magic, version,
// CRC32C of the payload, payload length) followed by the payload.
package manifest
