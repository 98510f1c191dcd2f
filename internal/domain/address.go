package domain

import "strings"

// addressAbbrev maps long street-suffix and directional tokens to the
// canonical short forms used for matching. Short forms never appear as keys,
// which is what makes NormalizeAddress idempotent.
var addressAbbrev = map[string]string{
	"STREET":     "ST",
	"AVENUE":     "AVE",
	"AV":         "AVE",
	"BOULEVARD":  "BLVD",
	"DRIVE":      "DR",
	"ROAD":       "RD",
	"LANE":       "LN",
	"COURT":      "CT",
	"CIRCLE":     "CIR",
	"PLACE":      "PL",
	"HIGHWAY":    "HWY",
	"PARKWAY":    "PKWY",
	"TERRACE":    "TER",
	"TRAIL":      "TRL",
	"SQUARE":     "SQ",
	"EXPRESSWAY": "EXPY",
	"CROSSING":   "XING",
	"NORTH":      "N",
	"SOUTH":      "S",
	"EAST":       "E",
	"WEST":       "W",
	"NORTHEAST":  "NE",
	"NORTHWEST":  "NW",
	"SOUTHEAST":  "SE",
	"SOUTHWEST":  "SW",
	"APARTMENT":  "APT",
	"BUILDING":   "BLDG",
	"SUITE":      "STE",
	"UNIT":       "UNT",
}

var addressStrip = strings.NewReplacer(".", "", "#", "", ",", " ")

// NormalizeAddress canonicalizes a free-text address for matching: uppercase,
// periods/#/commas stripped, whitespace collapsed, suffix and directional
// abbreviations contracted ("123 Main Street" -> "123 MAIN ST"). Deterministic,
// pure, and idempotent; used both as a dedup key and as the auto-grouping key.
func NormalizeAddress(raw string) string {
	s := strings.ToUpper(addressStrip.Replace(raw))
	fields := strings.Fields(s)
	for i, f := range fields {
		if short, ok := addressAbbrev[f]; ok {
			fields[i] = short
		}
	}
	return strings.Join(fields, " ")
}
