// Package domain models dispatch-feed incident data and the rules used to
// reconcile it.
//
// # Data Source
//
// Incident records originate from a third-party CAD (computer-aided dispatch)
// aggregator. The feed returns an encrypted envelope per agency; the decrypted
// payload carries three arrays (active, recent, closed) of loosely-schemaed
// JSON objects. Field names vary between upstream agencies: the same logical
// attribute ("address", "call type", "incident number") appears under several
// alternate keys depending on which CAD vendor the agency runs. Records are
// therefore decoded into maps and resolved through per-field priority lists
// (see [ResolveString]) rather than into a fixed struct.
//
// # Identity
//
// The feed assigns each incident an external id that is stable across polls
// and unique within a tenant. Re-ingesting the same external id must update
// the stored incident, never duplicate it. Manually created incidents have no
// external id and carry a generated internal id instead.
//
// # Auto-grouping
//
// Dispatch feeds frequently split one real-world event into several entries:
// same address, same call type, seconds apart. Two incidents sharing a
// normalized address and call type whose received times fall within ten
// minutes of each other are clustered into an IncidentGroup with reason
// "auto_address_time". Grouping is a convenience heuristic, not a correctness
// property; which sibling a new record groups against when several qualify is
// unspecified.
//
// # Unit status lifecycle
//
// Each responding unit progresses through up to five timestamps: dispatched,
// acknowledged, enroute, on scene, cleared. Unit statuses are owned by their
// incident and are never addressed independently.
package domain
