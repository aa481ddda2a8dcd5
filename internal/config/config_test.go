package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Source: CatalogSourceFile,
			File:   "catalog.yaml",
			Driver: DriverMySQL,
			Pool:   PoolConfig{MaxOpen: 10, MaxIdle: 5},
		},
		Connections: []ConnectionConfig{{
			TenantCode:   "acme",
			AppCode:      "hr",
			ConnectionID: "main",
			Driver:       DriverPostgres,
			DSN:          "postgres://hr@localhost/hr?sslmode=disable",
		}},
		Query: QueryConfig{
			DefaultLimit:     100,
			MaxLimit:         1000,
			TimeZone:         "UTC",
			StatementTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Port:  8080,
			Admin: AdminConfig{InvalidateEnabled: true, AuthToken: "s3cret"},
		},
		Observability: ObservabilityConfig{
			TraceSampleRatio: 1,
			Logging:          LoggingConfig{Level: "info", Format: "json"},
			OTLP:             OTLPConfig{Protocol: "grpc", Compression: "gzip"},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid config passes validation", func(t *testing.T) {
		result := validConfig().Validate()
		assert.False(t, result.HasErrors(), result.Error())
		assert.Empty(t, result.Warnings)
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown catalog source", func(c *Config) { c.Catalog.Source = "ldap" }, "catalog.source"},
		{"file source without file", func(c *Config) { c.Catalog.File = " " }, "catalog.file"},
		{"sql source with bad driver", func(c *Config) {
			c.Catalog.Source = CatalogSourceSQL
			c.Catalog.Driver = "oracle"
		}, "catalog.driver"},
		{"sql source without host", func(c *Config) {
			c.Catalog.Source = CatalogSourceSQL
			c.Catalog.Database = "meta"
		}, "catalog.host"},
		{"sql source bad tls mode", func(c *Config) {
			c.Catalog.Source = CatalogSourceSQL
			c.Catalog.Host = "db"
			c.Catalog.Database = "meta"
			c.Catalog.TLS.Mode = "strict"
		}, "catalog.tls.mode"},
		{"negative cache ttl", func(c *Config) {
			c.Catalog.Source = CatalogSourceSQL
			c.Catalog.Host = "db"
			c.Catalog.Database = "meta"
			c.Catalog.CacheTTL = -time.Second
		}, "catalog.cache_ttl"},
		{"connection without id", func(c *Config) { c.Connections[0].ConnectionID = "" }, "connections[0]"},
		{"connection without dsn", func(c *Config) { c.Connections[0].DSN = "" }, "connections[0].dsn"},
		{"connection bad driver", func(c *Config) { c.Connections[0].Driver = "sqlite" }, "connections[0].driver"},
		{"connection bad role", func(c *Config) { c.Connections[0].Role = `x"; DROP` }, "connections[0].role"},
		{"connection bad search path", func(c *Config) { c.Connections[0].SearchPath = []string{"hr", "a b"} }, "connections[0].search_path"},
		{"duplicate connection", func(c *Config) {
			dup := c.Connections[0]
			dup.TenantCode = "ACME"
			c.Connections = append(c.Connections, dup)
		}, "connections[1]"},
		{"zero default limit", func(c *Config) { c.Query.DefaultLimit = 0 }, "query.default_limit"},
		{"default above max", func(c *Config) { c.Query.DefaultLimit = 2000 }, "query.default_limit"},
		{"unknown time zone", func(c *Config) { c.Query.TimeZone = "Mars/Olympus" }, "query.time_zone"},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"rate limit without rps", func(c *Config) { c.Server.RateLimitEnabled = true; c.Server.RateLimitBurst = 5 }, "server.rate_limit_rps"},
		{"cors without origins", func(c *Config) { c.Server.CORSEnabled = true }, "server.cors_allowed_origins"},
		{"cors wildcard with credentials", func(c *Config) {
			c.Server.CORSEnabled = true
			c.Server.CORSAllowedOrigins = []string{"*"}
			c.Server.CORSAllowCredentials = true
		}, "server.cors_allowed_origins"},
		{"tls cert without key", func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, "server.tls_cert_file"},
		{"log level", func(c *Config) { c.Observability.Logging.Level = "loud" }, "observability.logging.level"},
		{"sample ratio", func(c *Config) { c.Observability.TraceSampleRatio = 2 }, "observability.trace_sample_ratio"},
		{"otlp protocol", func(c *Config) { c.Observability.OTLP.Protocol = "thrift" }, "observability.otlp.protocol"},
		{"otlp http endpoint", func(c *Config) {
			c.Observability.Traces = &OTLPConfig{Protocol: "http/protobuf", Endpoint: "not a host"}
		}, "observability.traces.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := cfg.Validate()
			require.True(t, result.HasErrors())
			assert.Contains(t, result.Error(), tt.field)
		})
	}
}

func TestConfig_ValidateWarnings(t *testing.T) {
	cfg := validConfig()
	cfg.Connections = nil
	cfg.Server.Admin.AuthToken = ""
	cfg.Query.StatementTimeout = 0
	cfg.Server.RateLimitRPS = 10

	result := cfg.Validate()
	assert.False(t, result.HasErrors(), result.Error())

	fields := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		fields = append(fields, w.Field)
	}
	assert.ElementsMatch(t, []string{
		"connections",
		"server.admin.auth_token",
		"query.statement_timeout",
		"server.rate_limit_enabled",
	}, fields)
}

func TestValidationError_Error(t *testing.T) {
	withHint := ValidationError{Field: "test.field", Message: "test message", Hint: "try this"}
	assert.Equal(t, "test.field: test message (hint: try this)", withHint.Error())

	bare := ValidationError{Field: "test.field", Message: "test message"}
	assert.Equal(t, "test.field: test message", bare.Error())
}

func TestCatalogConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  CatalogConfig
		want string
	}{
		{
			name: "mysql discrete fields",
			cfg:  CatalogConfig{Driver: DriverMySQL, Host: "meta.internal", User: "mq", Password: "p@ss", Database: "catalog"},
			want: "mq:p@ss@tcp(meta.internal:3306)/catalog?parseTime=true",
		},
		{
			name: "mysql connection string keeps its params",
			cfg:  CatalogConfig{Driver: DriverMySQL, ConnectionString: "mq:pw@tcp(db:4000)/catalog?timeout=5s"},
			want: "mq:pw@tcp(db:4000)/catalog?parseTime=true&timeout=5s",
		},
		{
			name: "mysql skip-verify tls",
			cfg:  CatalogConfig{Driver: DriverMySQL, Host: "db", Port: 4000, User: "mq", Database: "catalog", TLS: DatabaseTLSConfig{Mode: "skip-verify"}},
			want: "mq@tcp(db:4000)/catalog?parseTime=true&tls=skip-verify",
		},
		{
			name: "postgres discrete fields",
			cfg:  CatalogConfig{Driver: DriverPostgres, Host: "pg", User: "mq", Password: "pw", Database: "catalog", TLS: DatabaseTLSConfig{Mode: "off"}},
			want: "postgres://mq:pw@pg:5432/catalog?sslmode=disable",
		},
		{
			name: "postgres connection string",
			cfg:  CatalogConfig{Driver: DriverPostgres, ConnectionString: "host=pg dbname=catalog"},
			want: "host=pg dbname=catalog",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.DSN()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&CatalogConfig{Driver: "oracle"}).DSN()
	assert.Error(t, err)
}

func TestCatalogConfig_RegisterTLSNoop(t *testing.T) {
	assert.NoError(t, (&CatalogConfig{Driver: DriverMySQL, TLS: DatabaseTLSConfig{Mode: "skip-verify"}}).RegisterTLS())
	assert.NoError(t, (&CatalogConfig{Driver: DriverPostgres, TLS: DatabaseTLSConfig{Mode: "verify-full"}}).RegisterTLS())

	err := (&CatalogConfig{Driver: DriverMySQL, TLS: DatabaseTLSConfig{Mode: "verify-ca", CAFile: "/nonexistent/ca.pem"}}).RegisterTLS()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA file")
}

func TestQueryConfig_Location(t *testing.T) {
	loc, err := QueryConfig{}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	loc, err = QueryConfig{TimeZone: "Europe/Berlin"}.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	_, err = QueryConfig{TimeZone: "Nowhere/Special"}.Location()
	assert.Error(t, err)
}

func TestMergeOTLPConfigs(t *testing.T) {
	base := OTLPConfig{
		Endpoint:    "collector:4317",
		Protocol:    "grpc",
		Insecure:    true,
		Headers:     map[string]string{"x-team": "data", "x-env": "prod"},
		Timeout:     10 * time.Second,
		Compression: "gzip",
	}
	got := mergeOTLPConfigs(base, OTLPConfig{
		Endpoint: "https://traces.example.com",
		Protocol: "http/protobuf",
		Headers:  map[string]string{"x-env": "staging"},
	})
	assert.Equal(t, "https://traces.example.com", got.Endpoint)
	assert.Equal(t, "http/protobuf", got.Protocol)
	assert.False(t, got.Insecure)
	assert.Equal(t, map[string]string{"x-team": "data", "x-env": "staging"}, got.Headers)
	assert.Equal(t, 10*time.Second, got.Timeout)
	assert.Equal(t, "gzip", got.Compression)
	assert.Equal(t, "prod", base.Headers["x-env"])
}

func TestNormalizeDriver(t *testing.T) {
	assert.Equal(t, DriverPostgres, normalizeDriver(" PostgreSQL "))
	assert.Equal(t, DriverPostgres, normalizeDriver("pgx"))
	assert.Equal(t, DriverMySQL, normalizeDriver("TiDB"))
	assert.Equal(t, DriverMySQL, normalizeDriver("mysql"))
	assert.Equal(t, "", normalizeDriver(""))
}
