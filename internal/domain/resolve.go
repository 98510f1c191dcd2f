package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawRecord is one loosely-schemaed incident object from the decrypted feed
// payload. Field access goes through the priority-list resolvers below.
type RawRecord map[string]any

// ErrNoIdentity marks a record with no resolvable external id. Such records
// are dropped by the caller, not fatal to the batch.
var ErrNoIdentity = errors.New("record has no resolvable incident identity")

// Sentinels substituted when no alternate key resolves.
const (
	UnknownValue   = "Unknown"
	UnknownAddress = "Unknown Address"
)

// Alternate key lists per logical field, in priority order. Different CAD
// vendors label the same attribute differently; the first present key wins.
var (
	externalIDKeys   = []string{"IncidentNumber", "incident_number", "IncidentNum", "CallNumber", "call_number", "ID"}
	callTypeKeys     = []string{"CallType", "call_type", "NatureOfCall", "nature", "Type"}
	addressKeys      = []string{"FullAddress", "full_address", "Address", "address", "Location", "location"}
	latitudeKeys     = []string{"Latitude", "latitude", "Lat", "lat"}
	longitudeKeys    = []string{"Longitude", "longitude", "Long", "Lon", "lon"}
	receivedKeys     = []string{"CallReceivedTime", "call_received", "EntryDateTime", "CallDateTime", "ReceivedTime"}
	closedKeys       = []string{"CallClosedTime", "ClosedDateTime", "closed_time", "ClearedDateTime"}
	unitsKeys        = []string{"Units", "units", "UnitsAssigned", "AssignedUnits"}
	unitStatusesKeys = []string{"UnitStatuses", "unit_statuses", "UnitTimes"}

	unitIDKeys       = []string{"UnitID", "Unit", "unit", "UnitKey"}
	unitStatKeys     = []string{"Status", "status", "StatusDescription"}
	dispatchedKeys   = []string{"DispatchedTime", "Dispatched", "dispatched"}
	acknowledgedKeys = []string{"AcknowledgedTime", "Acknowledged", "acknowledged"}
	enrouteKeys      = []string{"EnrouteTime", "Enroute", "enroute"}
	onSceneKeys      = []string{"OnSceneTime", "OnScene", "onscene", "ArrivedTime"}
	clearedKeys      = []string{"ClearedTime", "Cleared", "cleared"}
)

// ResolveString returns the first present, non-empty value among keys,
// stringifying numbers, or fallback when none match.
func ResolveString(rec RawRecord, keys []string, fallback string) string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		default:
			if s := strings.TrimSpace(fmt.Sprint(t)); s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return fallback
}

func resolveFloat(rec RawRecord, keys []string) float64 {
	for _, k := range keys {
		switch t := rec[k].(type) {
		case float64:
			return t
		case string:
			if v, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return v
			}
		}
	}
	return 0
}

// feedTimeLayouts are tried in order by ParseFeedTime. The aggregator itself
// emits the first form; agency-supplied timestamps drift across the rest.
var feedTimeLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
}

// ParseFeedTime parses a feed timestamp string. The second return is false
// when no known layout matched; callers keep the raw string in that case
// rather than dropping the record.
func ParseFeedTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseRawIncident resolves a raw feed record into an Incident for the given
// tenant and source. Returns ErrNoIdentity when no external id is present.
func ParseRawIncident(tenantID, sourceID string, rec RawRecord) (Incident, error) {
	externalID := ResolveString(rec, externalIDKeys, "")
	if externalID == "" {
		return Incident{}, ErrNoIdentity
	}

	callType := ResolveString(rec, callTypeKeys, UnknownValue)
	fullAddress := ResolveString(rec, addressKeys, UnknownAddress)

	receivedRaw := ResolveString(rec, receivedKeys, "")
	received, _ := ParseFeedTime(receivedRaw)
	closed, _ := ParseFeedTime(ResolveString(rec, closedKeys, ""))

	status := StatusActive
	if !closed.IsZero() {
		status = StatusClosed
	}

	in := Incident{
		TenantID:          tenantID,
		SourceID:          sourceID,
		ExternalID:        externalID,
		CallType:          callType,
		CallTypeCategory:  DeriveCategory(callType),
		FullAddress:       fullAddress,
		NormalizedAddress: NormalizeAddress(fullAddress),
		Latitude:          resolveFloat(rec, latitudeKeys),
		Longitude:         resolveFloat(rec, longitudeKeys),
		Units:             parseUnits(rec),
		UnitStatuses:      parseUnitStatuses(rec),
		Status:            status,
		CallReceivedTime:  received,
		CallReceivedRaw:   receivedRaw,
		CallClosedTime:    closed,
	}
	return in, nil
}

// parseUnits accepts either an array of unit codes or a comma-separated string.
func parseUnits(rec RawRecord) []string {
	for _, k := range unitsKeys {
		switch t := rec[k].(type) {
		case []any:
			units := make([]string, 0, len(t))
			for _, v := range t {
				if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
					units = append(units, strings.TrimSpace(s))
				}
			}
			if len(units) > 0 {
				return units
			}
		case string:
			var units []string
			for _, s := range strings.Split(t, ",") {
				if s = strings.TrimSpace(s); s != "" {
					units = append(units, s)
				}
			}
			if len(units) > 0 {
				return units
			}
		}
	}
	return nil
}

func parseUnitStatuses(rec RawRecord) []UnitStatus {
	var raw []any
	for _, k := range unitStatusesKeys {
		if arr, ok := rec[k].([]any); ok {
			raw = arr
			break
		}
	}

	var statuses []UnitStatus
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		sub := RawRecord(m)
		unitID := ResolveString(sub, unitIDKeys, "")
		if unitID == "" {
			continue
		}
		statuses = append(statuses, UnitStatus{
			UnitID:         unitID,
			Status:         ResolveString(sub, unitStatKeys, ""),
			DispatchedAt:   parseFieldTime(sub, dispatchedKeys),
			AcknowledgedAt: parseFieldTime(sub, acknowledgedKeys),
			EnrouteAt:      parseFieldTime(sub, enrouteKeys),
			OnSceneAt:      parseFieldTime(sub, onSceneKeys),
			ClearedAt:      parseFieldTime(sub, clearedKeys),
		})
	}
	return statuses
}

func parseFieldTime(rec RawRecord, keys []string) time.Time {
	t, _ := ParseFeedTime(ResolveString(rec, keys, ""))
	return t
}

// categoryKeywords maps call-type fragments to categories; first match wins.
var categoryKeywords = []struct {
	keyword  string
	category Category
}{
	{"HAZMAT", CategoryHazmat},
	{"GAS LEAK", CategoryHazmat},
	{"SPILL", CategoryHazmat},
	{"MVA", CategoryTraffic},
	{"MVC", CategoryTraffic},
	{"ACCIDENT", CategoryTraffic},
	{"COLLISION", CategoryTraffic},
	{"TRAFFIC", CategoryTraffic},
	{"RESCUE", CategoryRescue},
	{"EXTRICATION", CategoryRescue},
	{"EMS", CategoryMedical},
	{"MEDICAL", CategoryMedical},
	{"CARDIAC", CategoryMedical},
	{"BREATHING", CategoryMedical},
	{"INJURY", CategoryMedical},
	{"FIRE", CategoryFire},
	{"SMOKE", CategoryFire},
	{"ALARM", CategoryFire},
}

// categoryCodes covers the short codes common in CAD feeds that keyword
// matching cannot reach.
var categoryCodes = map[string]Category{
	"SF":  CategoryFire,
	"VF":  CategoryFire,
	"BF":  CategoryFire,
	"WF":  CategoryFire,
	"EMS": CategoryMedical,
	"MED": CategoryMedical,
	"MVA": CategoryTraffic,
	"MVC": CategoryTraffic,
	"WR":  CategoryRescue,
	"TR":  CategoryRescue,
	"HZ":  CategoryHazmat,
}

// DeriveCategory classifies a call type code or description into the broad
// category enum, defaulting to other.
func DeriveCategory(callType string) Category {
	ct := strings.ToUpper(strings.TrimSpace(callType))
	if ct == "" {
		return CategoryOther
	}
	if c, ok := categoryCodes[ct]; ok {
		return c
	}
	for _, kw := range categoryKeywords {
		if strings.Contains(ct, kw.keyword) {
			return kw.category
		}
	}
	return CategoryOther
}
