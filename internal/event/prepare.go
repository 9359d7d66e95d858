package event

import "strings"

// Canonical severity levels, lowest to highest urgency.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityAliases maps common vendor severities onto the canonical enum.
// Unknown severities are passed through lowercased rather than rejected so
// that an unusual vendor vocabulary degrades to searchable text instead of
// a dead-lettered event.
var severityAliases = map[string]string{
	"error":   SeverityCritical,
	"alert":   SeverityHigh,
	"warning": SeverityMedium,
	"warn":    SeverityMedium,
}

// NormalizeSeverity folds e.Severity into the canonical enum. When an alias
// fires, the pre-mapping value is recorded in severity_original_mapped.
func NormalizeSeverity(e *Event) {
	raw := e.Severity
	if raw == "" {
		return
	}
	s := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := severityAliases[s]; ok && mapped != s {
		e.SeverityOriginalMapped = raw
		e.Severity = mapped
		return
	}
	e.Severity = s
}

// Prepare fills the required envelope fields in place:
//
//   - @timestamp: kept when present; else copied from a legacy "timestamp"
//     input field; else now (UTC). "Present but empty" counts as absent.
//   - dataset / schema_version: defaulted when missing.
//   - tenant_id: defaulted to defaultTenant when missing and one is
//     configured. Strict deployments run with an empty default so events
//     without an explicit tenant can be rejected upstream.
//
// Prepare is idempotent: preparing a prepared event changes nothing.
func Prepare(e *Event, defaultTenant string) {
	if strings.TrimSpace(e.Timestamp) == "" {
		if legacy, ok := e.Extra["timestamp"].(string); ok && strings.TrimSpace(legacy) != "" {
			e.Timestamp = legacy
		} else {
			e.Timestamp = Now()
		}
	}
	if strings.TrimSpace(e.Dataset) == "" {
		e.Dataset = DefaultDataset
	}
	if strings.TrimSpace(e.SchemaVersion) == "" {
		e.SchemaVersion = DefaultSchemaVersion
	}
	if strings.TrimSpace(e.TenantID) == "" && defaultTenant != "" {
		e.TenantID = defaultTenant
	}
}
