//go:build !linux

package mdf

// ProcDevicePresent is a no-op on non-Linux hosts: udev's remoteproc
// enumeration has no analogue there, so configured satellites are trusted
// as-is.
func ProcDevicePresent(proc uint32) bool { return true }
