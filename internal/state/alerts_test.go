package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/tailwatch/internal/alerting"
	"github.com/ipsix/tailwatch/internal/detection"
)

func TestAlertCacheBoundsHistory(t *testing.T) {
	cache := NewAlertCache(2)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, tier := range []detection.Tier{detection.TierAdvisory, detection.TierWarning, detection.TierCritical} {
		require.NoError(t, cache.Send(alerting.Alert{
			Identifier: "AA:BB:CC:DD:EE:FF",
			Tier:       tier,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	history := cache.History("")
	require.Len(t, history, 2)
	assert.Equal(t, detection.TierWarning, history[0].Tier)
	assert.Len(t, cache.History(detection.TierCritical), 1)
	assert.Equal(t, map[detection.Tier]int{detection.TierWarning: 1, detection.TierCritical: 1}, cache.Counts())

	devices := cache.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, 3, devices[0].Alerts)
	assert.Equal(t, detection.TierCritical, devices[0].Tier)
}

func TestAlertCacheDevicesNewestFirst(t *testing.T) {
	cache := NewAlertCache(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.Add(alerting.Alert{Identifier: "11:11:11:11:11:11", Tier: detection.TierAdvisory, Timestamp: base, ProbedName: "HomeNet"})
	cache.Add(alerting.Alert{Identifier: "22:22:22:22:22:22", Tier: detection.TierAdvisory, Timestamp: base.Add(time.Minute)})
	cache.Add(alerting.Alert{Identifier: "11:11:11:11:11:11", Tier: detection.TierWarning, Timestamp: base.Add(2 * time.Minute)})

	devices := cache.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "11:11:11:11:11:11", devices[0].Identifier)
	assert.Equal(t, "HomeNet", devices[0].ProbedName)
	assert.Equal(t, "memory", cache.Name())
}
