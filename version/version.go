// Package version reports the version of ffilint binaries.
package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// Version is "devel" for builds from source; releases override it via
// -ldflags.
const Version = "devel"

// String returns the best version descriptor available: the release
// version, the module version recorded in the build info, or "devel".
func String() string {
	if Version != "devel" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "devel"
}

// Verbose writes the version, the Go toolchain version and the dependency
// modules the binary was built with.
func Verbose(w io.Writer, name string) {
	fmt.Fprintf(w, "%s %s\n", name, String())
	fmt.Fprintln(w, "Compiled with Go version:", runtime.Version())
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(w, "Built without Go modules")
		return
	}
	for _, dep := range info.Deps {
		m := dep
		if m.Replace != nil {
			m = m.Replace
		}
		fmt.Fprintf(w, "\t%s@%s\n", m.Path, m.Version)
	}
}
