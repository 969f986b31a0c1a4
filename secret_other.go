//go:build !linux && !darwin

package treecrypt

func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
