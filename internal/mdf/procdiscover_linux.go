//go:build linux

package mdf

// procdiscover_linux.go confirms a configured satellite processor actually
// has a live remoteproc/rpmsg character device on this host before MDF
// tries to map loaned memory into it, instead of trusting gslconfig blindly.
//
// Walks udev's "remoteproc" subsystem with an enumerate/match/scan pass
// to find the rpmsg node behind a configured DSP processor, using the
// pure-Go jochenvg/go-udev binding rather than cgo libudev.
import (
	"strings"

	"github.com/jochenvg/go-udev"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
)

var discoverLog = gsllog.For("mdf.procdiscover")

// remoteprocSysNames maps a configured satellite proc-id to the sysfs
// remoteproc instance name SPF's platform DTS binds it to. Real deployments
// source this table from the same processor_groups config MDF already
// loads; it is kept here as the one piece of host-topology knowledge this
// file owns.
var remoteprocSysNames = map[uint32]string{
	ssProcADSP: "adsp",
	ssProcSDSP: "sdsp",
	ssProcCDSP: "cdsp",
}

const (
	ssProcADSP uint32 = 1 << 1
	ssProcSDSP uint32 = 1 << 3
	ssProcCDSP uint32 = 1 << 4
)

// ProcDevicePresent walks udev's remoteproc subsystem looking for the sysfs
// node matching proc. It fails open (returns true) when the expected name
// isn't in remoteprocSysNames, since not every satellite in gslconfig needs
// a host-visible remoteproc node (some are enumerated purely through SPF).
func ProcDevicePresent(proc uint32) bool {
	name, ok := remoteprocSysNames[proc]
	if !ok {
		return true
	}

	u := udev.Udev{}
	e := u.NewEnumerate()
	if e == nil {
		discoverLog.Warn("udev enumerate unavailable, assuming processor present", "proc", proc)
		return true
	}
	if err := e.AddMatchSubsystem("remoteproc"); err != nil {
		discoverLog.Warn("udev match-subsystem failed", "err", err)
		return true
	}
	devices, err := e.Devices()
	if err != nil {
		discoverLog.Warn("udev device scan failed", "err", err)
		return true
	}
	for _, d := range devices {
		if strings.Contains(d.Sysname(), name) {
			return true
		}
	}
	return false
}
