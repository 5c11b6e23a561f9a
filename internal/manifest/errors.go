package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned for a manifest written by a newer
	// format version.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrNotFound is returned when the store holds no manifest.
	ErrNotFound = errors.New("manifest not found")

	// ErrCurrent is returned when deleting the backup CURRENT points at.
	ErrCurrent = errors.New("backup is current")

	// ErrCorrupt is returned when a manifest fails its checksum or cannot
	// be decoded.
	ErrCorrupt = errors.New("manifest corrupt")
)
