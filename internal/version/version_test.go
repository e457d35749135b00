package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreInitialized(t *testing.T) {
	require.NotEmpty(t, Version)
	require.NotEmpty(t, BuildTime)
	require.NotEmpty(t, GitCommit)
}

func TestStringPrefersLinkerValues(t *testing.T) {
	oldV, oldC := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldV, oldC })

	Version, GitCommit = "v1.2.3", "abc1234"
	s := String()
	require.True(t, strings.HasPrefix(s, "devloop v1.2.3 "))
	require.Contains(t, s, "commit abc1234")
}
