// Package event defines the canonical security-event record produced by
// normalization and consumed by validation and indexing.
//
// Design principles:
//   - Typed record, not a dictionary: after normalization every hot path
//     works with Event and its sub-structs, never with map lookups.
//   - Lossless passthrough: input fields outside the canonical set are kept
//     in Extra and re-emitted on marshal, so payloads that skip vendor
//     parsing round-trip byte-compatibly at the field level.
//   - Optional integers are pointers (a port of 0 is valid and must survive
//     serialization; absence means "not present", never zero).
package event

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	// TimestampLayout renders instants as RFC-3339 UTC with microsecond
	// precision and an explicit numeric offset, e.g.
	// 2025-11-12T14:38:19.127000+00:00.
	TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

	DefaultDataset       = "syslog.generic"
	DefaultSchemaVersion = "1.0.0"
)

// Now returns the current UTC instant in TimestampLayout.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// Event is the canonical record. JSON field names match the documents
// stored under the logs-<tenant> aliases.
type Event struct {
	TenantID               string `json:"tenant_id,omitempty"`
	Timestamp              string `json:"@timestamp,omitempty"`
	Dataset                string `json:"dataset,omitempty"`
	SchemaVersion          string `json:"schema_version,omitempty"`
	Severity               string `json:"severity,omitempty"`
	SeverityOriginal       string `json:"severity_original,omitempty"`
	SeverityOriginalMapped string `json:"severity_original_mapped,omitempty"`

	// Message is a pointer so an explicitly empty message ("") survives
	// marshaling while a payload without one omits the field entirely.
	Message *string `json:"message,omitempty"`

	Host     string `json:"host,omitempty"`
	HostName string `json:"host_name,omitempty"`

	Source      *Endpoint  `json:"source,omitempty"`
	Destination *Endpoint  `json:"destination,omitempty"`
	Network     *Network   `json:"network,omitempty"`
	Threat      *Threat    `json:"threat,omitempty"`
	Rule        *Rule      `json:"rule,omitempty"`
	Event       *EventMeta `json:"event,omitempty"`
	Flow        *Flow      `json:"flow,omitempty"`

	Labels   map[string]string `json:"labels,omitempty"`
	Original *Original         `json:"original,omitempty"`

	// Reprocessed is stamped by the DLQ reprocessor before republishing.
	Reprocessed bool `json:"dlq_reprocess,omitempty"`

	// Extra carries input fields outside the canonical set. Canonical
	// fields always win over Extra when both name the same key.
	Extra map[string]any `json:"-"`
}

// Endpoint describes one side of a connection.
type Endpoint struct {
	IP   string `json:"ip,omitempty"`
	Port *int   `json:"port,omitempty"`
	Geo  *Geo   `json:"geo,omitempty"`
}

// Geo holds the geographic attribution of an endpoint.
type Geo struct {
	CountryISOCode string `json:"country_iso_code,omitempty"`
}

// Network holds transport-level attributes.
type Network struct {
	Protocol string `json:"protocol,omitempty"`
}

// Threat holds IPS/attack attribution extracted from vendor payloads.
type Threat struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Score  *int   `json:"score,omitempty"`
	Action string `json:"action,omitempty"`
}

// Rule identifies the firewall/policy rule that produced the event.
type Rule struct {
	ID string `json:"id,omitempty"`
}

// EventMeta carries event-level counters.
type EventMeta struct {
	Count *int `json:"count,omitempty"`
}

// Flow carries flow-rate attributes.
type Flow struct {
	PacketsPerSecond *int `json:"packets_per_second,omitempty"`
}

// Original preserves the source material of a normalized event. MessageRaw
// is emitted even when empty: an empty source line is still a source line.
type Original struct {
	MessageRaw string            `json:"message_raw"`
	RawKV      map[string]string `json:"raw_kv"`
}

// knownFields is the set of top-level canonical JSON keys. Anything else in
// an input payload is routed to Extra.
var knownFields = map[string]struct{}{
	"tenant_id":                {},
	"@timestamp":               {},
	"dataset":                  {},
	"schema_version":           {},
	"severity":                 {},
	"severity_original":        {},
	"severity_original_mapped": {},
	"message":                  {},
	"host":                     {},
	"host_name":                {},
	"source":                   {},
	"destination":              {},
	"network":                  {},
	"threat":                   {},
	"rule":                     {},
	"event":                    {},
	"flow":                     {},
	"labels":                   {},
	"original":                 {},
	"dlq_reprocess":            {},
}

// eventJSON breaks the MarshalJSON/UnmarshalJSON recursion.
type eventJSON Event

// MarshalJSON emits the canonical fields plus any Extra keys that do not
// collide with them.
func (e *Event) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal((*eventJSON)(e))
	if err != nil || len(e.Extra) == 0 {
		return b, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the canonical fields and keeps unknown keys in
// Extra. Per-field type mismatches (e.g. a numeric severity) are tolerated:
// the mismatched field stays at its zero value and decoding continues.
func (e *Event) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*eventJSON)(e)); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return err
		}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k, v := range m {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[k] = v
	}
	return nil
}

// FromMap decodes a raw JSON object into an Event. It never fails: values
// that do not fit a typed field are dropped from it, and unknown keys
// survive in Extra.
func FromMap(raw map[string]any) *Event {
	e := &Event{}
	b, err := json.Marshal(raw)
	if err != nil {
		return e
	}
	_ = e.UnmarshalJSON(b)
	return e
}

// MessageText returns the message body, or "" when the field is absent.
func (e *Event) MessageText() string {
	if e.Message == nil {
		return ""
	}
	return *e.Message
}

// SetMessage sets the message body (including an explicitly empty one).
func (e *Event) SetMessage(s string) {
	e.Message = &s
}

// ── lazy sub-struct accessors ─────────────────────────────────────────────

func (e *Event) EnsureSource() *Endpoint {
	if e.Source == nil {
		e.Source = &Endpoint{}
	}
	return e.Source
}

func (e *Event) EnsureDestination() *Endpoint {
	if e.Destination == nil {
		e.Destination = &Endpoint{}
	}
	return e.Destination
}

func (e *Event) EnsureNetwork() *Network {
	if e.Network == nil {
		e.Network = &Network{}
	}
	return e.Network
}

func (e *Event) EnsureThreat() *Threat {
	if e.Threat == nil {
		e.Threat = &Threat{}
	}
	return e.Threat
}

func (e *Event) EnsureRule() *Rule {
	if e.Rule == nil {
		e.Rule = &Rule{}
	}
	return e.Rule
}

func (e *Event) EnsureEventMeta() *EventMeta {
	if e.Event == nil {
		e.Event = &EventMeta{}
	}
	return e.Event
}

func (e *Event) EnsureFlow() *Flow {
	if e.Flow == nil {
		e.Flow = &Flow{}
	}
	return e.Flow
}
