package domain

import (
	"strings"
	"time"
)

// Allowed weather enum values; anything unrecognized falls back to Unknown.
var (
	weatherSeverities  = enumSet("Extreme", "Severe", "Moderate", "Minor")
	weatherUrgencies   = enumSet("Immediate", "Expected", "Future", "Past")
	weatherCertainties = enumSet("Observed", "Likely", "Possible", "Unlikely")
)

func enumSet(values ...string) map[string]string {
	m := make(map[string]string, len(values))
	for _, v := range values {
		m[strings.ToLower(v)] = v
	}
	return m
}

func normalizeEnum(allowed map[string]string, raw string) string {
	if v, ok := allowed[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return v
	}
	return UnknownValue
}

// NormalizeSeverity maps a feed severity onto the CAP enum, Unknown fallback.
func NormalizeSeverity(raw string) string { return normalizeEnum(weatherSeverities, raw) }

// NormalizeUrgency maps a feed urgency onto the CAP enum, Unknown fallback.
func NormalizeUrgency(raw string) string { return normalizeEnum(weatherUrgencies, raw) }

// NormalizeCertainty maps a feed certainty onto the CAP enum, Unknown fallback.
func NormalizeCertainty(raw string) string { return normalizeEnum(weatherCertainties, raw) }

// WeatherFeature is one entry of the GeoJSON-like feature list returned by the
// weather feed. References carry prior alert identifiers as either bare
// strings or objects; both forms appear in the wild.
type WeatherFeature struct {
	ID         string `json:"id"`
	Properties struct {
		ID          string   `json:"id"`
		Event       string   `json:"event"`
		Headline    string   `json:"headline"`
		Description string   `json:"description"`
		Severity    string   `json:"severity"`
		Urgency     string   `json:"urgency"`
		Certainty   string   `json:"certainty"`
		Onset       string   `json:"onset"`
		Expires     string   `json:"expires"`
		References  []any    `json:"references"`
		Zones       []string `json:"affectedZones"`
	} `json:"properties"`
}

// ParseWeatherFeature converts a feed feature into a WeatherAlert for the
// given tenant. The second return is false when the feature carries no
// identifier and should be skipped.
func ParseWeatherFeature(tenantID string, f WeatherFeature) (WeatherAlert, bool) {
	id := f.Properties.ID
	if id == "" {
		id = f.ID
	}
	if id == "" {
		return WeatherAlert{}, false
	}

	onset, _ := parseWeatherTime(f.Properties.Onset)
	expires, _ := parseWeatherTime(f.Properties.Expires)

	return WeatherAlert{
		ID:          id,
		TenantID:    tenantID,
		Event:       f.Properties.Event,
		Headline:    f.Properties.Headline,
		Description: f.Properties.Description,
		Severity:    NormalizeSeverity(f.Properties.Severity),
		Urgency:     NormalizeUrgency(f.Properties.Urgency),
		Certainty:   NormalizeCertainty(f.Properties.Certainty),
		ZoneCodes:   f.Properties.Zones,
		Onset:       onset,
		Expires:     expires,
		References:  parseReferences(f.Properties.References),
	}, true
}

func parseWeatherTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parseReferences(refs []any) []string {
	var ids []string
	for _, r := range refs {
		switch t := r.(type) {
		case string:
			if t != "" {
				ids = append(ids, t)
			}
		case map[string]any:
			if id, ok := t["identifier"].(string); ok && id != "" {
				ids = append(ids, id)
			} else if id, ok := t["@id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
