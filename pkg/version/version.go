// Package version carries build metadata stamped in by the linker.
package version

import (
	"fmt"
	"runtime"
)

// Overridden at build time via -ldflags "-X ...".
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Info renders the one-line banner shown by --version and at startup.
func Info() string {
	return fmt.Sprintf("kdsync v%s (built %s, %s/%s)",
		Version, BuildTime, runtime.GOOS, runtime.GOARCH)
}
