package adapter

import (
	"github.com/hashicorp/go-version"
)

// VersionLess reports whether version a is lower than b.
// Versions which can't be parsed count as lower than anything.
func VersionLess(a, b string) bool {
	va, err := version.NewVersion(a)
	if err != nil {
		return true
	}

	vb, err := version.NewVersion(b)
	if err != nil {
		return false
	}

	return va.LessThan(vb)
}
