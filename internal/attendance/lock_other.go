//go:build !unix

package attendance

import "os"

// No cross-process locking here; the in-process RWMutex still applies.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
