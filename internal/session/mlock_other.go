//go:build !linux

package session

// lockMemory is a no-op where mlock is not wired
func lockMemory(b []byte) error { return nil }

func unlockMemory(b []byte) error { return nil }
