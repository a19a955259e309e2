package blehealth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blehealth"
	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/profile"
	"github.com/srg/blehealth/internal/script"
)

func TestDemoScript(t *testing.T) {
	src, err := script.Load(blehealth.DemoScript, blehealth.DemoScriptName, nil)
	require.NoError(t, err, "embedded script MUST load")
	defer src.Close()

	for _, p := range profile.All() {
		for tick := uint64(1); tick <= 300; tick += 7 {
			m, err := src.Next(p, tick)
			require.NoError(t, err, "profile %s tick %d", p, tick)
			_, err = codec.Encode(p, m)
			assert.NoError(t, err, "demo values MUST be encodable for %s", p)
		}
	}

	m, err := src.Next(profile.PulseOximeter, 10)
	require.NoError(t, err)
	po := m.(codec.PulseOximetry)
	assert.LessOrEqual(t, po.SpO2, 100.0)
	assert.InDelta(t, 97, po.SpO2, 1.5)
}
