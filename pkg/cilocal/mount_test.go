package cilocal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMounts(t *testing.T) {
	t.Run("Valid mounts are parsed", func(t *testing.T) {
		mounts, err := ParseMounts([]string{
			"/host:/container",
			"/a:/b:ro,/c:/d:rw",
			`/weird\:path:/in`,
		})
		require.NoError(t, err)

		assert.Equal(t, []Mount{
			{Source: "/host", Target: "/container"},
			{Source: "/a", Target: "/b", ReadOnly: true},
			{Source: "/c", Target: "/d"},
			{Source: "/weird:path", Target: "/in"},
		}, mounts)
	})

	t.Run("No options yields no mounts", func(t *testing.T) {
		mounts, err := ParseMounts(nil)
		assert.NoError(t, err)
		assert.Empty(t, mounts)
	})

	t.Run("Invalid mounts are rejected", func(t *testing.T) {
		invalid := []string{
			"/host",
			"/host:",
			":/container",
			"/a:/b:rx",
			"/a:/b:ro:rw",
			"/a:/b:/c",
			"/a:/b,",
			"",
		}
		for _, spec := range invalid {
			_, err := ParseMounts([]string{"/ok:/ok", spec})

			var mountErr *InvalidMountError
			assert.Truef(t, errors.As(err, &mountErr), "Mount %q was not rejected", spec)
			assert.ErrorIsf(t, err, ErrConfig, "Mount error for %q is not a config error", spec)
		}
	})
}

func TestMountString(t *testing.T) {
	m := Mount{Source: "/weird:path", Target: "/in", ReadOnly: true}
	parsed, err := ParseMounts([]string{m.String()})
	require.NoError(t, err)
	assert.Equal(t, []Mount{m}, parsed)
}
