// Package drayvar has the version of this build of dray.
package drayvar

import (
	"runtime/debug"
)

// Version of the dray module this binary was built from, or the VCS revision
// for builds outside of a released module version.
var Version = "(devel)"

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := info.Main.Version; v != "(devel)" {
		Version = v
		return
	}
	var rev, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev == "" {
		return
	}
	Version = rev
	switch modified {
	case "false":
	case "true":
		Version += "+modifications"
	default:
		Version += "+unknown"
	}
}
