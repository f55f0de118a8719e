package internal

import (
	"fmt"
	"github.com/icinga/icinga-go-library/version"
	"runtime"
)

// Version contains version and Git commit information.
//
// The placeholders are replaced on `git archive` using the `export-subst` attribute.
var Version = version.Version("0.1.0", "$Format:%(describe)$", "$Format:%H$")

// PrintVersion writes the version of the named program and build information to stdout.
func PrintVersion(program string) {
	fmt.Println(program, "version:", Version.Version)
	fmt.Println()

	fmt.Println("Build information:")
	fmt.Printf("  Go version: %s (%s, %s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if Version.Commit != "" {
		fmt.Println("  Git commit:", Version.Commit)
	}
}
