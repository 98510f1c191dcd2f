package domain

import "time"

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Category is the broad classification of a call type.
type Category string

const (
	CategoryFire    Category = "fire"
	CategoryMedical Category = "medical"
	CategoryRescue  Category = "rescue"
	CategoryTraffic Category = "traffic"
	CategoryHazmat  Category = "hazmat"
	CategoryOther   Category = "other"
)

// MergeReason records why incidents were clustered into a group.
type MergeReason string

const (
	MergeAutoAddressTime MergeReason = "auto_address_time"
	MergeManual          MergeReason = "manual"
)

// UnitStatus is a per-unit progress marker within an incident. It is owned by
// its incident and never addressed independently.
type UnitStatus struct {
	UnitID         string    `json:"unit_id"`
	Status         string    `json:"status,omitempty"`
	DispatchedAt   time.Time `json:"dispatched_at,omitzero"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitzero"`
	EnrouteAt      time.Time `json:"enroute_at,omitzero"`
	OnSceneAt      time.Time `json:"on_scene_at,omitzero"`
	ClearedAt      time.Time `json:"cleared_at,omitzero"`
}

// Incident is one real-world emergency response event.
//
// ExternalID is the feed-assigned natural key, unique per tenant+source; it is
// empty for manually created incidents, which are keyed by ID alone.
// CallReceivedTime is zero when the feed timestamp could not be parsed; the
// raw string is preserved in CallReceivedRaw so nothing is silently lost on
// feed format drift.
type Incident struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenant_id"`
	SourceID          string       `json:"source_id,omitempty"`
	ExternalID        string       `json:"external_id,omitempty"`
	CallType          string       `json:"call_type"`
	CallTypeCategory  Category     `json:"call_type_category"`
	FullAddress       string       `json:"full_address"`
	NormalizedAddress string       `json:"normalized_address"`
	Latitude          float64      `json:"latitude,omitempty"`
	Longitude         float64      `json:"longitude,omitempty"`
	Units             []string     `json:"units,omitempty"`
	UnitStatuses      []UnitStatus `json:"unit_statuses,omitempty"`
	Status            Status       `json:"status"`
	CallReceivedTime  time.Time    `json:"call_received_time,omitzero"`
	CallReceivedRaw   string       `json:"call_received_raw,omitempty"`
	CallClosedTime    time.Time    `json:"call_closed_time,omitzero"`
	GroupID           string       `json:"group_id,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// HasCoordinates reports whether the incident carries a usable location.
// The feed emits 0,0 for "unknown".
func (in *Incident) HasCoordinates() bool {
	return in.Latitude != 0 || in.Longitude != 0
}

// IncidentGroup clusters incidents considered the same real-world event.
// Membership is derived by querying incidents on GroupID; the group itself
// holds no member list. Groups of fewer than two members are dissolved.
type IncidentGroup struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenant_id"`
	MergeKey          string      `json:"merge_key"`
	MergeReason       MergeReason `json:"merge_reason"`
	CallType          string      `json:"call_type,omitempty"`
	NormalizedAddress string      `json:"normalized_address,omitempty"`
	WindowStart       time.Time   `json:"window_start,omitzero"`
	WindowEnd         time.Time   `json:"window_end,omitzero"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Tenant is the per-customer record the sync engine reads source configuration
// from and writes sync bookkeeping to. The surrounding application owns the
// rest of the tenant document.
type Tenant struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	AgencyIDs    []string `json:"agency_ids,omitempty"`
	WeatherZones []string `json:"weather_zones,omitempty"`

	LastIncidentSync    time.Time         `json:"last_incident_sync,omitzero"`
	LastWeatherSync     time.Time         `json:"last_weather_sync,omitzero"`
	UnitLegend          map[string]string `json:"unit_legend,omitempty"`
	UnitLegendAvailable bool              `json:"unit_legend_available"`
	UnitLegendUpdatedAt time.Time         `json:"unit_legend_updated_at,omitzero"`

	Version int64 `json:"version"`
}

// WeatherAlert is one alert from the government weather feed. References list
// the identifiers of prior alerts this one updates or cancels.
type WeatherAlert struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Event       string    `json:"event"`
	Headline    string    `json:"headline,omitempty"`
	Description string    `json:"description,omitempty"`
	Severity    string    `json:"severity"`
	Urgency     string    `json:"urgency"`
	Certainty   string    `json:"certainty"`
	ZoneCodes   []string  `json:"zone_codes,omitempty"`
	Onset       time.Time `json:"onset,omitzero"`
	Expires     time.Time `json:"expires,omitzero"`
	References  []string  `json:"references,omitempty"`

	Version int64 `json:"version"`
}
