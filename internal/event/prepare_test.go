package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSeverityAliases(t *testing.T) {
	cases := []struct {
		in, want, wantMapped string
	}{
		{"error", "critical", "error"},
		{"ERROR", "critical", "ERROR"},
		{"alert", "high", "alert"},
		{"warning", "medium", "warning"},
		{"warn", "medium", "warn"},
		{"CRITICAL", "critical", ""}, // case fold only, no alias fired
		{"notice", "notice", ""},     // unknown severities pass through lowercased
		{"Informational", "informational", ""},
	}
	for _, tc := range cases {
		e := &Event{Severity: tc.in}
		NormalizeSeverity(e)
		assert.Equal(t, tc.want, e.Severity, "severity for %q", tc.in)
		assert.Equal(t, tc.wantMapped, e.SeverityOriginalMapped, "mapped marker for %q", tc.in)
	}
}

func TestNormalizeSeverityEmptyIsLeftAlone(t *testing.T) {
	e := &Event{}
	NormalizeSeverity(e)
	assert.Empty(t, e.Severity)
	assert.Empty(t, e.SeverityOriginalMapped)
}

func TestNormalizeSeverityIsIdempotent(t *testing.T) {
	e := &Event{Severity: "ERROR"}
	NormalizeSeverity(e)
	require.Equal(t, "critical", e.Severity)
	require.Equal(t, "ERROR", e.SeverityOriginalMapped)

	// A second pass sees the already-canonical value and must not touch
	// the recorded original.
	NormalizeSeverity(e)
	assert.Equal(t, "critical", e.Severity)
	assert.Equal(t, "ERROR", e.SeverityOriginalMapped)
}

func TestPrepareKeepsExistingTimestamp(t *testing.T) {
	e := &Event{Timestamp: "2025-11-12T14:38:19.127000+00:00"}
	Prepare(e, "default")
	assert.Equal(t, "2025-11-12T14:38:19.127000+00:00", e.Timestamp)
}

func TestPreparePromotesLegacyTimestamp(t *testing.T) {
	e := &Event{Extra: map[string]any{"timestamp": "2025-11-12T14:38:19Z"}}
	Prepare(e, "default")
	assert.Equal(t, "2025-11-12T14:38:19Z", e.Timestamp)
}

func TestPrepareStampsNowWhenTimestampMissing(t *testing.T) {
	e := &Event{}
	Prepare(e, "default")
	assert.NotEmpty(t, e.Timestamp)

	blank := &Event{Timestamp: "   "}
	Prepare(blank, "default")
	assert.NotEqual(t, "   ", blank.Timestamp, "blank timestamp counts as absent")
}

func TestPrepareFillsEnvelopeDefaults(t *testing.T) {
	e := &Event{}
	Prepare(e, "default")

	assert.Equal(t, DefaultDataset, e.Dataset)
	assert.Equal(t, DefaultSchemaVersion, e.SchemaVersion)
	assert.Equal(t, "default", e.TenantID)
}

func TestPrepareKeepsExplicitValues(t *testing.T) {
	e := &Event{TenantID: "acme", Dataset: "fortinet.fortigate", SchemaVersion: "2.0.0"}
	Prepare(e, "default")

	assert.Equal(t, "acme", e.TenantID)
	assert.Equal(t, "fortinet.fortigate", e.Dataset)
	assert.Equal(t, "2.0.0", e.SchemaVersion)
}

func TestPrepareWithoutDefaultTenantLeavesItMissing(t *testing.T) {
	// Strict deployments configure no default so missing tenants can be
	// rejected rather than silently pooled.
	e := &Event{}
	Prepare(e, "")
	assert.Empty(t, e.TenantID)
}
