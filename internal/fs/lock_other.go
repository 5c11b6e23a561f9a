//go:build !unix

package fs

import "os"

// Without flock only the in-process database state guards against double opens.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
