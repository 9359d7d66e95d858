package tenant

import (
	"encoding/json"
	"os"
	"strings"

	"go.uber.org/zap"
)

// HostMap resolves device hostnames to tenants for payloads that arrive
// without an explicit tenant_id. Keys are matched case-insensitively with
// spaces folded to dashes, so "Delaware Hotel" and "delaware-hotel" hit the
// same entry.
type HostMap struct {
	entries map[string]string
}

// LoadHostMap reads a JSON object of host→tenant pairs. A missing or
// malformed file yields an empty map; mapping is an optional feature.
func LoadHostMap(path string, logger *zap.Logger) *HostMap {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("host-tenant map not loaded",
			zap.String("path", path),
			zap.Error(err),
		)
		return &HostMap{}
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("host-tenant map is not a JSON object, ignoring",
			zap.String("path", path),
			zap.Error(err),
		)
		return &HostMap{}
	}
	entries := make(map[string]string, len(raw))
	for host, tenant := range raw {
		host = normalizeHost(host)
		tenant = strings.TrimSpace(tenant)
		if host == "" || tenant == "" {
			continue
		}
		entries[host] = tenant
	}
	return &HostMap{entries: entries}
}

// Lookup returns the tenant mapped to host, if any.
func (h *HostMap) Lookup(host string) (string, bool) {
	if h == nil || len(h.entries) == 0 {
		return "", false
	}
	tenant, ok := h.entries[normalizeHost(host)]
	return tenant, ok
}

// Size returns the number of mapped hosts.
func (h *HostMap) Size() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

func normalizeHost(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}
