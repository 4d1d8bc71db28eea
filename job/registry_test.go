package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
[[job]]
name = "snow_monthly"
cadence = "monthly"
max_attempts = 3
backoff = "10m"
timeout = "2h"

[job.params]
collection = "MODIS/061/MOD10A1"
region = "andes_extent"

[[job]]
name = "snow_daily"
cadence = "daily"
max_attempts = 2
timeout = "1h"
`

func TestLoadRegistry(t *testing.T) {
	t.Run("parses a full catalog", func(t *testing.T) {
		reg, err := LoadRegistryFromString(testCatalog)
		require.NoError(t, err)
		require.Equal(t, 2, reg.Len())

		jt, err := reg.Get("snow_monthly")
		require.NoError(t, err)
		assert.Equal(t, "monthly", jt.Cadence.String())
		assert.Equal(t, 3, jt.MaxAttempts)
		assert.Equal(t, 10*time.Minute, jt.Backoff)
		assert.Equal(t, 2*time.Hour, jt.Timeout)
		assert.Contains(t, string(jt.Params), "MOD10A1")

		// Catalog order is preserved
		all := reg.All()
		require.Len(t, all, 2)
		assert.Equal(t, "snow_monthly", all[0].Name)
		assert.Equal(t, "snow_daily", all[1].Name)
	})

	t.Run("unknown type is a not-found error", func(t *testing.T) {
		reg, err := LoadRegistryFromString(testCatalog)
		require.NoError(t, err)

		_, err = reg.Get("nonexistent")
		require.Error(t, err)
	})

	t.Run("rejects empty catalog", func(t *testing.T) {
		_, err := LoadRegistryFromString("")
		assert.Error(t, err)
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		_, err := LoadRegistryFromString(`
[[job]]
name = "dup"
cadence = "daily"

[[job]]
name = "dup"
cadence = "weekly"
`)
		assert.Error(t, err)
	})

	t.Run("rejects bad cadence", func(t *testing.T) {
		_, err := LoadRegistryFromString(`
[[job]]
name = "bad"
cadence = "sometimes"
`)
		assert.Error(t, err)
	})

	t.Run("max attempts defaults to one", func(t *testing.T) {
		reg, err := LoadRegistryFromString(`
[[job]]
name = "minimal"
cadence = "daily"
`)
		require.NoError(t, err)
		jt, err := reg.Get("minimal")
		require.NoError(t, err)
		assert.Equal(t, 1, jt.MaxAttempts)
	})
}
