// Package merge implements operator-driven incident merging and unlinking on
// top of the group model the auto-grouper also uses.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/events"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
)

var clock = clockwork.NewRealClock()

// SetClock swaps the package clock for tests. Passing nil restores the real
// clock.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// ErrNotInGroup is returned when unlinking an incident that has no group.
var ErrNotInGroup = errors.New("incident is not in a group")

// ValidationError reports a merge request that violates the group rules.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid merge: " + e.Reason
}

// Manager executes merge and unlink requests.
type Manager struct {
	incidents store.Incidents
	groups    store.Groups
	publisher events.Publisher
	logger    *slog.Logger
}

// NewManager creates a merge manager. publisher may be nil to disable change
// events.
func NewManager(incidents store.Incidents, groups store.Groups, publisher events.Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		incidents: incidents,
		groups:    groups,
		publisher: publisher,
		logger:    logger,
	}
}

// MergeIncidents merges the given incidents into the primary one. The primary
// keeps its identity and gains the union of all units; merged incidents are
// archived but stay linked to the group so the merge can be undone. When the
// primary is not grouped yet a manual group is created.
//
// All incidents must belong to the same tenant, and none of the merged
// incidents may already sit in a different group.
func (m *Manager) MergeIncidents(ctx context.Context, tenantID, primaryID string, mergeIDs []string) (domain.Incident, error) {
	if len(mergeIDs) == 0 {
		return domain.Incident{}, &ValidationError{Reason: "no incidents to merge"}
	}
	for _, id := range mergeIDs {
		if id == primaryID {
			return domain.Incident{}, &ValidationError{Reason: "cannot merge an incident into itself"}
		}
	}

	primary, err := m.incidents.Get(ctx, tenantID, primaryID)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("load primary incident: %w", err)
	}

	others := make([]domain.Incident, 0, len(mergeIDs))
	for _, id := range mergeIDs {
		in, err := m.incidents.Get(ctx, tenantID, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Incident{}, &ValidationError{Reason: fmt.Sprintf("incident %q not found in tenant", id)}
			}
			return domain.Incident{}, fmt.Errorf("load incident %q: %w", id, err)
		}
		if in.GroupID != "" && in.GroupID != primary.GroupID {
			return domain.Incident{}, &ValidationError{Reason: fmt.Sprintf("incident %q already belongs to another group", id)}
		}
		others = append(others, in)
	}

	groupID := primary.GroupID
	if groupID == "" {
		fresh := domain.IncidentGroup{
			TenantID:          tenantID,
			MergeKey:          "manual|" + primary.ID,
			MergeReason:       domain.MergeManual,
			CallType:          primary.CallType,
			NormalizedAddress: primary.NormalizedAddress,
		}
		fresh.StampCreated()
		group, err := m.groups.Insert(ctx, fresh)
		if err != nil {
			return domain.Incident{}, fmt.Errorf("create merge group: %w", err)
		}
		groupID = group.ID
	}

	primary.GroupID = groupID
	primary.Units = unionUnits(primary, others)
	primary.StampUpdated()
	merged, err := m.incidents.Update(ctx, primary)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("update primary incident: %w", err)
	}

	for _, in := range others {
		in.GroupID = groupID
		in.Status = domain.StatusArchived
		in.StampUpdated()
		archived, err := m.incidents.Update(ctx, in)
		if err != nil {
			return merged, fmt.Errorf("archive incident %q: %w", in.ID, err)
		}
		m.publish(ctx, events.TypeIncidentMerged, archived)
	}

	m.logger.Info("incidents merged",
		"tenant_id", tenantID, "primary_id", merged.ID, "group_id", groupID, "merged", len(others))
	m.publish(ctx, events.TypeIncidentMerged, merged)
	return merged, nil
}

// UnlinkFromGroup removes an incident from its group. A non-empty
// restoreStatus always wins; without one, archived incidents return to closed
// and everything else keeps its status. Groups left with fewer than two
// members are dissolved and the last member freed.
func (m *Manager) UnlinkFromGroup(ctx context.Context, tenantID, incidentID string, restoreStatus domain.Status) (domain.Incident, error) {
	in, err := m.incidents.Get(ctx, tenantID, incidentID)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("load incident: %w", err)
	}
	if in.GroupID == "" {
		return domain.Incident{}, ErrNotInGroup
	}
	groupID := in.GroupID

	in.GroupID = ""
	switch {
	case restoreStatus != "":
		in.Status = restoreStatus
	case in.Status == domain.StatusArchived:
		in.Status = domain.StatusClosed
	}
	in.StampUpdated()
	unlinked, err := m.incidents.Update(ctx, in)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("unlink incident: %w", err)
	}
	m.publish(ctx, events.TypeIncidentUnlinked, unlinked)

	if err := m.dissolveIfTooSmall(ctx, tenantID, groupID); err != nil {
		return unlinked, err
	}
	return unlinked, nil
}

// dissolveIfTooSmall deletes the group once it no longer clusters anything. A
// single remaining member is unlinked first so no incident points at a dead
// group.
func (m *Manager) dissolveIfTooSmall(ctx context.Context, tenantID, groupID string) error {
	members, err := m.incidents.ListByGroup(ctx, tenantID, groupID)
	if err != nil {
		return fmt.Errorf("list group members: %w", err)
	}
	if len(members) >= 2 {
		return nil
	}

	if len(members) == 1 {
		last := members[0]
		last.GroupID = ""
		last.StampUpdated()
		freed, err := m.incidents.Update(ctx, last)
		if err != nil {
			return fmt.Errorf("unlink last group member: %w", err)
		}
		m.publish(ctx, events.TypeIncidentUnlinked, freed)
	}

	if err := m.groups.Delete(ctx, tenantID, groupID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete group: %w", err)
	}
	m.logger.Info("group dissolved", "tenant_id", tenantID, "group_id", groupID)
	return nil
}

// unionUnits merges every unit list onto the primary's, preserving the
// primary's order and appending unseen units in merge order.
func unionUnits(primary domain.Incident, others []domain.Incident) []string {
	seen := make(map[string]bool, len(primary.Units))
	out := make([]string, 0, len(primary.Units))
	for _, u := range primary.Units {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, in := range others {
		for _, u := range in.Units {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

func (m *Manager) publish(ctx context.Context, eventType string, in domain.Incident) {
	if m.publisher == nil {
		return
	}
	ev := events.ChangeEvent{
		Type:       eventType,
		TenantID:   in.TenantID,
		IncidentID: in.ID,
		ExternalID: in.ExternalID,
		GroupID:    in.GroupID,
		At:         clock.Now(),
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn("change event publish failed",
			"type", eventType, "tenant_id", in.TenantID, "incident_id", in.ID, "error", err)
	}
}
