// Package config loads the pipeline configuration from environment
// variables. A .env file in the working directory is honored for local
// development (real environment always wins); everything else is plain
// os.Getenv with typed defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full ingestion-core configuration.
type Config struct {
	// Search backend.
	OpenSearchHost string
	OSUser         string
	OSPass         string

	// Broker endpoint.
	RabbitHost     string
	RabbitPort     int
	RabbitUser     string
	RabbitPassword string
	RabbitVHost    string

	// Broker topology.
	Exchange   string
	Queue      string
	DLX        string
	DLQ        string
	RoutingKey string

	// Consumer behavior.
	Prefetch      int
	UseBulk       bool
	UseManualDLX  bool
	RequireTenant bool
	DefaultTenant string

	// Bulk indexer.
	BulkMaxItems    int
	BulkMaxInterval time.Duration
	BulkPipeline    string

	// Local data files.
	SchemaPath          string
	TenantsRegistryPath string
	HostTenantMapPath   string

	// Tenant registry reload schedule (cron spec, empty disables).
	TenantsReloadSpec string

	// Observability.
	MetricsPort  int
	OTLPEndpoint string
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		OpenSearchHost: getEnv("OPENSEARCH_HOST", "http://localhost:9200"),
		OSUser:         getEnv("OS_USER", ""),
		OSPass:         getEnv("OS_PASS", ""),

		RabbitHost:     getEnv("RABBITMQ_HOST", "localhost"),
		RabbitPort:     getEnvInt("RABBITMQ_PORT", 5672),
		RabbitUser:     getEnv("RABBITMQ_USER", "guest"),
		RabbitPassword: getEnv("RABBITMQ_PASSWORD", "guest"),
		RabbitVHost:    getEnv("RABBITMQ_VHOST", "/"),

		Exchange:   getEnv("RABBITMQ_EXCHANGE", "logs_default"),
		Queue:      getEnv("RABBITMQ_QUEUE", "nubla_logs_default"),
		DLX:        getEnv("RABBITMQ_DLX", "logs_default.dlx"),
		DLQ:        getEnv("RABBITMQ_DLQ", "nubla_logs_default.dlq"),
		RoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "nubla.log.default"),

		Prefetch:      getEnvInt("CONSUMER_PREFETCH", 5),
		UseBulk:       getEnvBool("USE_BULK", false),
		UseManualDLX:  getEnvBool("USE_MANUAL_DLX", true),
		RequireTenant: getEnvBool("REQUIRE_TENANT", false),
		DefaultTenant: getEnv("DEFAULT_TENANT", "default"),

		BulkMaxItems:    getEnvInt("BULK_MAX_ITEMS", 500),
		BulkMaxInterval: time.Duration(getEnvInt("BULK_MAX_INTERVAL_MS", 1000)) * time.Millisecond,
		BulkPipeline:    getEnv("BULK_PIPELINE", "logs_ingest"),

		SchemaPath:          getEnv("NCS_SCHEMA_LOCAL_PATH", "schema/ncs_v1.0.0.json"),
		TenantsRegistryPath: getEnv("TENANTS_REGISTRY_PATH", "config/tenants_registry.json"),
		HostTenantMapPath:   getEnv("HOST_TENANT_MAP_PATH", "config/host_tenant_map.json"),

		TenantsReloadSpec: getEnv("TENANTS_RELOAD_SPEC", "@every 60s"),

		MetricsPort:  getEnvInt("METRICS_PORT", 9109),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "t", "true", "y", "yes", "on":
		return true
	case "0", "f", "false", "n", "no", "off":
		return false
	default:
		return fallback
	}
}
