//go:build !unix

package relayboard

import "os"

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}
