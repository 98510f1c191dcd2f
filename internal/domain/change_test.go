package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseIncident() Incident {
	received := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return Incident{
		TenantID:          "tenant-1",
		ExternalID:        "26-004411",
		CallType:          "SF",
		Status:            StatusActive,
		NormalizedAddress: "100 MAIN ST",
		Latitude:          30.2672,
		Longitude:         -97.7431,
		Units:             []string{"E1", "L2", "BC1"},
		UnitStatuses: []UnitStatus{
			{UnitID: "E1", Status: "On Scene", DispatchedAt: received, OnSceneAt: received.Add(4 * time.Minute)},
			{UnitID: "L2", Status: "Enroute", DispatchedAt: received},
		},
		CallReceivedTime: received,
	}
}

func TestChanged(t *testing.T) {
	t.Run("identical incidents", func(t *testing.T) {
		assert.False(t, Changed(baseIncident(), baseIncident()))
	})

	t.Run("unit order is irrelevant", func(t *testing.T) {
		incoming := baseIncident()
		incoming.Units = []string{"BC1", "E1", "L2"}
		incoming.UnitStatuses = []UnitStatus{incoming.UnitStatuses[1], incoming.UnitStatuses[0]}
		assert.False(t, Changed(baseIncident(), incoming))
	})

	t.Run("coordinate noise within tolerance", func(t *testing.T) {
		incoming := baseIncident()
		incoming.Latitude += 0.00005
		incoming.Longitude -= 0.00005
		assert.False(t, Changed(baseIncident(), incoming))
	})

	t.Run("coordinate moved beyond tolerance", func(t *testing.T) {
		incoming := baseIncident()
		incoming.Latitude += 0.001
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("call type changed", func(t *testing.T) {
		incoming := baseIncident()
		incoming.CallType = "EMS"
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("status changed", func(t *testing.T) {
		incoming := baseIncident()
		incoming.Status = StatusClosed
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("close time stamped", func(t *testing.T) {
		incoming := baseIncident()
		incoming.CallClosedTime = incoming.CallReceivedTime.Add(time.Hour)
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("unit added", func(t *testing.T) {
		incoming := baseIncident()
		incoming.Units = append(incoming.Units, "M7")
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("unit removed", func(t *testing.T) {
		incoming := baseIncident()
		incoming.Units = incoming.Units[:2]
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("single unit status string differs", func(t *testing.T) {
		incoming := baseIncident()
		incoming.UnitStatuses[1].Status = "On Scene"
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("single unit timestamp differs", func(t *testing.T) {
		incoming := baseIncident()
		incoming.UnitStatuses[1].OnSceneAt = incoming.CallReceivedTime.Add(9 * time.Minute)
		assert.True(t, Changed(baseIncident(), incoming))
	})

	t.Run("unit status present on one side only", func(t *testing.T) {
		incoming := baseIncident()
		incoming.UnitStatuses = append(incoming.UnitStatuses, UnitStatus{UnitID: "BC1", Status: "Dispatched"})
		assert.True(t, Changed(baseIncident(), incoming))
	})
}
