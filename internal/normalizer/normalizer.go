// Package normalizer parses heterogeneous vendor payloads into the
// canonical event record.
//
// The supported wire shape is a JSON object whose "message" field carries a
// raw syslog line, typically Fortinet-style key=value pairs behind an
// optional <PRI> priority prefix. Payloads without a string message are
// passed through untouched (they may already be canonical).
//
// Design principles:
//   - Parsing is merge-on-top: canonical fields already present in the
//     input survive unless the vendor line re-derives them, which makes
//     re-normalizing an already-normalized event a no-op.
//   - The verbatim source line and the parsed pairs are always preserved
//     under "original"; re-normalization parses from original.message_raw
//     so derived fields stay stable across passes.
//   - Numeric fields are parsed defensively: an unparseable or out-of-range
//     value is omitted, never stored as a string.
package normalizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Sebastian25gb/nubla-siem/internal/event"
)

var (
	// kvRE tokenizes key=value pairs; quoted values may contain spaces.
	kvRE = regexp.MustCompile(`(\w+)=(".*?"|[^"\s]+)`)
	// priRE strips the syslog <PRI> priority prefix.
	priRE = regexp.MustCompile(`^<\d+>`)
	// ppsRE scans the body for a packets-per-second figure.
	ppsRE = regexp.MustCompile(`pps\s+(\d+)\b`)
	// tzRE matches compact numeric offsets like +0100 / -0530.
	tzRE = regexp.MustCompile(`^[+-]\d{4}$`)
)

// Normalize converts a decoded JSON object into the canonical event.
// Objects without a string "message" are returned unchanged (typed decode
// only); everything else gets the vendor line parsed and mapped.
//
// The tenant default is deliberately not applied here: it belongs to event
// preparation, where a strict deployment can withhold it and reject
// tenant-less events instead.
func Normalize(raw map[string]any) *event.Event {
	e := event.FromMap(raw)

	msg, ok := raw["message"].(string)
	if !ok {
		return e
	}

	// Re-normalization parses the original line, not the extracted message.
	source := msg
	if e.Original != nil && e.Original.MessageRaw != "" {
		source = e.Original.MessageRaw
	}

	cleaned := strings.TrimSpace(source)
	cleaned = strings.TrimSpace(priRE.ReplaceAllString(cleaned, ""))
	kv := parseKV(cleaned)

	// ── timestamp ─────────────────────────────────────────────────────────
	ts := ""
	if v, ok := kv["eventtime"]; ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			ts = timestampFromEpoch(n)
		}
	}
	if ts == "" {
		if d, t := kv["date"], kv["time"]; d != "" && t != "" {
			ts = composeTimestamp(d, t, kv["tz"])
		}
	}
	switch {
	case ts != "":
		e.Timestamp = ts
	case strings.TrimSpace(e.Timestamp) != "":
		// Input @timestamp survives as-is.
	default:
		if legacy, ok := raw["timestamp"].(string); ok && strings.TrimSpace(legacy) != "" {
			e.Timestamp = legacy
		} else {
			e.Timestamp = event.Now()
		}
	}

	// ── message ───────────────────────────────────────────────────────────
	if v := kv["msg"]; v != "" {
		e.SetMessage(v)
	} else {
		e.SetMessage(cleaned)
	}

	// ── severity ──────────────────────────────────────────────────────────
	// Chain: payload severity, then kv severity/level/crlevel, then "info".
	sevIn := rawString(raw["severity"])
	if sevIn == "" {
		sevIn = kv["severity"]
	}
	if sevIn == "" {
		sevIn = kv["level"]
	}
	if sevIn == "" {
		sevIn = kv["crlevel"]
	}
	if sevIn == "" {
		sevIn = event.SeverityInfo
	}
	// severity_original records the first-seen raw value and is never
	// overwritten on later passes.
	if e.SeverityOriginal == "" {
		e.SeverityOriginal = sevIn
	}
	e.Severity = strings.ToLower(sevIn)

	// ── host ──────────────────────────────────────────────────────────────
	host := rawString(raw["host"])
	if host == "" {
		host = kv["devname"]
	}
	if host == "" {
		host = kv["devid"]
	}
	if host != "" {
		e.Host = host
		e.HostName = host
	}

	// ── well-known key mapping ────────────────────────────────────────────
	if v := kv["srcip"]; v != "" {
		e.EnsureSource().IP = v
	}
	if p, ok := parsePort(kv["srcport"]); ok {
		e.EnsureSource().Port = &p
	}
	if v := kv["dstip"]; v != "" {
		e.EnsureDestination().IP = v
	}
	if p, ok := parsePort(kv["dstport"]); ok {
		e.EnsureDestination().Port = &p
	}

	if v := kv["proto"]; v != "" {
		e.EnsureNetwork().Protocol = strings.ToLower(v)
	}

	if v := kv["attack"]; v != "" {
		e.EnsureThreat().Name = v
	}
	if v := kv["attackid"]; v != "" {
		e.EnsureThreat().ID = v
	}
	if n, ok := parseInt(kv["crscore"]); ok {
		e.EnsureThreat().Score = &n
	}
	if v := kv["craction"]; v != "" {
		e.EnsureThreat().Action = v
	}

	if v := kv["policyid"]; v != "" {
		e.EnsureRule().ID = v
	}
	if n, ok := parseInt(kv["count"]); ok {
		e.EnsureEventMeta().Count = &n
	}

	if m := ppsRE.FindStringSubmatch(cleaned); m != nil {
		if n, ok := parseInt(m[1]); ok {
			e.EnsureFlow().PacketsPerSecond = &n
		}
	}

	if v := kv["srccountry"]; v != "" {
		src := e.EnsureSource()
		if src.Geo == nil {
			src.Geo = &event.Geo{}
		}
		src.Geo.CountryISOCode = countryCode(v)
	}
	if v := kv["dstcountry"]; v != "" {
		dst := e.EnsureDestination()
		if dst.Geo == nil {
			dst.Geo = &event.Geo{}
		}
		dst.Geo.CountryISOCode = countryCode(v)
	}

	// ── labels ────────────────────────────────────────────────────────────
	for _, k := range []string{"service", "proto"} {
		if v := kv[k]; v != "" {
			if e.Labels == nil {
				e.Labels = make(map[string]string)
			}
			e.Labels[k] = v
		}
	}

	// ── provenance & defaults ─────────────────────────────────────────────
	e.Original = &event.Original{MessageRaw: source, RawKV: kv}

	if strings.TrimSpace(e.Dataset) == "" {
		e.Dataset = event.DefaultDataset
	}
	if strings.TrimSpace(e.SchemaVersion) == "" {
		e.SchemaVersion = event.DefaultSchemaVersion
	}
	return e
}

// ── helpers ───────────────────────────────────────────────────────────────

func parseKV(s string) map[string]string {
	kv := make(map[string]string)
	for _, m := range kvRE.FindAllStringSubmatch(s, -1) {
		kv[m[1]] = strings.Trim(m[2], `"`)
	}
	return kv
}

// timestampFromEpoch renders an epoch integer whose magnitude selects the
// unit: ≥1e18 nanoseconds, ≥1e15 microseconds, ≥1e12 milliseconds, else
// seconds. Sub-millisecond digits of nanosecond inputs are truncated.
func timestampFromEpoch(n int64) string {
	const (
		nanoFloor  = int64(1_000_000_000_000_000_000)
		microFloor = int64(1_000_000_000_000_000)
		milliFloor = int64(1_000_000_000_000)
	)
	var t time.Time
	switch {
	case n >= nanoFloor:
		t = time.UnixMilli(n / 1_000_000)
	case n >= microFloor:
		t = time.UnixMicro(n)
	case n >= milliFloor:
		t = time.UnixMilli(n)
	default:
		t = time.Unix(n, 0)
	}
	return t.UTC().Format(event.TimestampLayout)
}

// composeTimestamp joins Fortinet date/time/tz fields into RFC-3339.
// A compact offset like +0100 becomes +01:00; anything else means UTC.
func composeTimestamp(date, clock, tz string) string {
	offset := "Z"
	if tzRE.MatchString(tz) {
		offset = tz[:3] + ":" + tz[3:]
	}
	return date + "T" + clock + offset
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parsePort(s string) (int, bool) {
	n, ok := parseInt(s)
	if !ok || n < 0 || n > 65535 {
		return 0, false
	}
	return n, true
}

// countryCode folds a country name into an upper-snake token
// ("United States" → "UNITED_STATES").
func countryCode(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_")
}

// rawString renders a decoded JSON value as text, "" for nil.
func rawString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
