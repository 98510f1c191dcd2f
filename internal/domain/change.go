package domain

import "math"

// coordTolerance absorbs floating-point noise in feed coordinates; upstream
// agencies round differently between polls.
const coordTolerance = 0.0001

// Changed reports whether incoming differs from existing in any field the feed
// is allowed to mutate. It is pure and comparison-only: reconciliation skips
// the write entirely when it returns false, bounding write volume against an
// append-only storage layer under high sync frequency.
func Changed(existing, incoming Incident) bool {
	switch {
	case existing.CallType != incoming.CallType:
		return true
	case existing.Status != incoming.Status:
		return true
	case !existing.CallClosedTime.Equal(incoming.CallClosedTime):
		return true
	case existing.NormalizedAddress != incoming.NormalizedAddress:
		return true
	case coordDiffers(existing.Latitude, incoming.Latitude):
		return true
	case coordDiffers(existing.Longitude, incoming.Longitude):
		return true
	case !sameUnitSet(existing.Units, incoming.Units):
		return true
	case unitStatusesDiffer(existing.UnitStatuses, incoming.UnitStatuses):
		return true
	}
	return false
}

func coordDiffers(a, b float64) bool {
	return math.Abs(a-b) > coordTolerance
}

// sameUnitSet compares unit code sets ignoring order and duplicates.
func sameUnitSet(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, u := range a {
		set[u] = struct{}{}
	}
	seen := make(map[string]struct{}, len(b))
	for _, u := range b {
		if _, ok := set[u]; !ok {
			return false
		}
		seen[u] = struct{}{}
	}
	return len(set) == len(seen)
}

// unitStatusesDiffer keys both lists by unit id. A unit present on one side
// only counts as changed, as does any status string or lifecycle timestamp
// differing on a shared unit.
func unitStatusesDiffer(a, b []UnitStatus) bool {
	if len(a) != len(b) {
		return true
	}
	byUnit := make(map[string]UnitStatus, len(a))
	for _, us := range a {
		byUnit[us.UnitID] = us
	}
	for _, incoming := range b {
		current, ok := byUnit[incoming.UnitID]
		if !ok {
			return true
		}
		if current.Status != incoming.Status ||
			!current.DispatchedAt.Equal(incoming.DispatchedAt) ||
			!current.AcknowledgedAt.Equal(incoming.AcknowledgedAt) ||
			!current.EnrouteAt.Equal(incoming.EnrouteAt) ||
			!current.OnSceneAt.Equal(incoming.OnSceneAt) ||
			!current.ClearedAt.Equal(incoming.ClearedAt) {
			return true
		}
	}
	return false
}
