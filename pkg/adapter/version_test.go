package adapter

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestVersionLess(t *testing.T) {
	subtests := []struct {
		a, b string
		less bool
	}{
		{"1.6", "1.7", true},
		{"1.7", "1.7", false},
		{"1.11.0", "1.7", false},
		{"1.6.2-r1", "1.7", true},
		{"2", "1.7", false},
		{"6.4.0", "6.4", false},
		{"6.0.21", "6.2.0", true},
		{"garbage", "5.4.0", true},
	}

	for _, st := range subtests {
		t.Run(st.a+"<"+st.b, func(t *testing.T) {
			require.Equal(t, st.less, VersionLess(st.a, st.b))
		})
	}
}
