package fpgaboot

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// Version is set at link time with -ldflags "-X github.com/gentam/fpgaboot.Version=...".
var Version string

// BuildVersion returns Version, or the VCS revision recorded by the Go
// toolchain when Version is unset.
func BuildVersion() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var rev, dirty string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "-dirty"
			}
		}
	}
	if rev == "" {
		return info.Main.Version
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return rev + dirty
}

// FreeMemory reports heap memory reserved from the OS but not in use.
func FreeMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapSys - m.HeapInuse
}

// Banner writes the boot banner and memory report.
func Banner(w io.Writer, appName string) error {
	_, err := fmt.Fprintf(w, "\r\n\r\n%s bootloader. Based on build %s\r\nCore free memory : %d bytes\r\n",
		appName, BuildVersion(), FreeMemory())
	return err
}
