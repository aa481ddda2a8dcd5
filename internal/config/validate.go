package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"metaquery/internal/sqlutil"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) warn(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Catalog.validate(result)
	validateConnections(result, c.Connections)
	c.Query.validate(result)
	c.Server.validate(result)
	c.Observability.validate(result)
	return result
}

func validDriver(driver string) bool {
	return driver == DriverMySQL || driver == DriverPostgres
}

func (c *CatalogConfig) validate(result *ValidationResult) {
	switch c.Source {
	case CatalogSourceFile:
		if strings.TrimSpace(c.File) == "" {
			result.fail("catalog.file", "catalog file is required when source is file", "")
		}
		return
	case CatalogSourceSQL:
	default:
		result.fail("catalog.source", fmt.Sprintf("invalid catalog source %q", c.Source), "valid values are: file, sql")
		return
	}

	if !validDriver(c.Driver) {
		result.fail("catalog.driver", fmt.Sprintf("unsupported catalog driver %q", c.Driver), "valid values are: mysql, postgres")
	}
	if c.ConnectionString == "" {
		if strings.TrimSpace(c.Host) == "" {
			result.fail("catalog.host", "host is required when catalog.dsn is not set", "")
		}
		if c.Port < 0 || c.Port > 65535 {
			result.fail("catalog.port", fmt.Sprintf("port %d is out of valid range (1-65535)", c.Port), "")
		}
		if strings.TrimSpace(c.Database) == "" {
			result.fail("catalog.database", "database is required when catalog.dsn is not set", "")
		}
	}
	if _, err := c.DSN(); err != nil && validDriver(c.Driver) {
		result.fail("catalog.dsn", err.Error(), "set a valid driver DSN in catalog.dsn/catalog.dsn_file")
	}

	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[c.TLS.Mode] {
		result.fail("catalog.tls.mode", fmt.Sprintf("invalid TLS mode %q", c.TLS.Mode),
			"valid values are: off, skip-verify, verify-ca, verify-full")
	}
	if (c.TLS.Mode == "verify-ca" || c.TLS.Mode == "verify-full") && c.TLS.CAFile == "" {
		result.warn("catalog.tls.ca_file", "no CA file configured for a verifying TLS mode",
			"the system certificate pool will be used")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		result.fail("catalog.tls.cert_file", "cert_file and key_file must be set together", "")
	}

	if c.Pool.MaxOpen < 0 {
		result.fail("catalog.pool.max_open", "max_open cannot be negative", "")
	}
	if c.Pool.MaxIdle < 0 {
		result.fail("catalog.pool.max_idle", "max_idle cannot be negative", "")
	}
	if c.Pool.MaxIdle > c.Pool.MaxOpen && c.Pool.MaxOpen > 0 {
		result.warn("catalog.pool.max_idle", "max_idle is greater than max_open", "idle connections will be limited to max_open")
	}
	if c.ConnectTimeout < 0 {
		result.fail("catalog.connect_timeout", "connect_timeout cannot be negative", "")
	}
	if c.ConnectTimeout > 0 && c.ConnectRetryInterval <= 0 {
		result.fail("catalog.connect_retry_interval", "connect_retry_interval must be positive when connect_timeout is set", "")
	}
	if c.CacheTTL < 0 {
		result.fail("catalog.cache_ttl", "cache_ttl cannot be negative", "use 0 to keep snapshots until invalidated")
	}
}

func validateConnections(result *ValidationResult, conns []ConnectionConfig) {
	if len(conns) == 0 {
		result.warn("connections", "no target connections configured", "only POST /v1/query/compile will succeed")
		return
	}
	seen := make(map[string]int, len(conns))
	for i, conn := range conns {
		field := fmt.Sprintf("connections[%d]", i)
		if conn.TenantCode == "" || conn.AppCode == "" || conn.ConnectionID == "" {
			result.fail(field, "tenant_code, app_code and connection_id are required", "")
			continue
		}
		key := strings.ToLower(conn.Key())
		if prev, dup := seen[key]; dup {
			result.fail(field, fmt.Sprintf("duplicate connection %s (also connections[%d])", conn.Key(), prev), "")
		}
		seen[key] = i

		if conn.Driver != "" && !validDriver(conn.Driver) {
			result.fail(field+".driver", fmt.Sprintf("unsupported driver %q", conn.Driver), "valid values are: mysql, postgres")
		}
		if strings.TrimSpace(conn.DSN) == "" {
			result.fail(field+".dsn", fmt.Sprintf("connection %s has no DSN", conn.Key()), "set dsn or dsn_file")
		}
		if conn.MaxOpenConns < 0 || conn.MaxIdleConns < 0 {
			result.fail(field, "pool sizes cannot be negative", "")
		}
		if conn.ConnMaxLifetime < 0 {
			result.fail(field+".conn_max_lifetime", "conn_max_lifetime cannot be negative", "")
		}
		if conn.Role != "" && !sqlutil.IsValidIdentifier(conn.Role) {
			result.fail(field+".role", fmt.Sprintf("invalid role name %q", conn.Role), "")
		}
		for _, schema := range conn.SearchPath {
			if !sqlutil.IsValidIdentifier(schema) {
				result.fail(field+".search_path", fmt.Sprintf("invalid schema name %q", schema), "")
			}
		}
		if conn.Driver == DriverMySQL && len(conn.SearchPath) > 0 {
			result.warn(field+".search_path", "search_path is ignored by mysql connections", "")
		}
	}
}

func (q *QueryConfig) validate(result *ValidationResult) {
	if q.DefaultLimit < 1 {
		result.fail("query.default_limit", "default_limit must be at least 1", "")
	}
	if q.MaxLimit < 1 {
		result.fail("query.max_limit", "max_limit must be at least 1", "")
	}
	if q.DefaultLimit > q.MaxLimit && q.MaxLimit > 0 {
		result.fail("query.default_limit", "default_limit cannot exceed max_limit", "")
	}
	if _, err := q.Location(); err != nil {
		result.fail("query.time_zone", err.Error(), "use an IANA zone name such as Europe/Berlin")
	}
	if q.StatementTimeout < 0 {
		result.fail("query.statement_timeout", "statement_timeout cannot be negative", "")
	}
	if q.StatementTimeout == 0 {
		result.warn("query.statement_timeout", "statements run without a timeout", "")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.fail("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}
	if s.MaxRequestBytes < 0 {
		result.fail("server.max_request_bytes", "max_request_bytes cannot be negative", "")
	}

	if s.Admin.InvalidateEnabled && strings.TrimSpace(s.Admin.AuthToken) == "" {
		result.warn("server.admin.auth_token", "catalog invalidation endpoint is enabled without an admin token",
			"set server.admin.auth_token or server.admin.auth_token_file")
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.fail("server.rate_limit_rps", "rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.fail("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	} else if s.RateLimitRPS > 0 || s.RateLimitBurst > 0 {
		result.warn("server.rate_limit_enabled", "rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	if s.CORSEnabled {
		if len(s.CORSAllowedOrigins) == 0 {
			result.fail("server.cors_allowed_origins", "CORS enabled but no allowed origins configured",
				"set cors_allowed_origins or disable CORS")
		}
		for _, origin := range s.CORSAllowedOrigins {
			if strings.TrimSpace(origin) != "*" {
				continue
			}
			if s.CORSAllowCredentials {
				result.fail("server.cors_allowed_origins", "wildcard origin (*) cannot be used with credentials",
					"use specific origins with credentials, or wildcard without credentials")
			}
			result.warn("server.cors_allowed_origins", "CORS wildcard origin enabled",
				"use specific origins in production for better security")
			break
		}
	}

	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		result.fail("server.tls_cert_file", "tls_cert_file and tls_key_file must be set together", "")
	}

	for field, d := range map[string]time.Duration{
		"server.read_timeout":     s.ReadTimeout,
		"server.write_timeout":    s.WriteTimeout,
		"server.idle_timeout":     s.IdleTimeout,
		"server.shutdown_timeout": s.ShutdownTimeout,
	} {
		if d < 0 {
			result.fail(field, "timeout cannot be negative", "")
		}
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.fail("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "trace_sample_ratio must be between 0 and 1", "")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.fail(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			"use host:port or a full URL")
	}
	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.fail(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}
	if o.RetryMaxAttempts < 0 {
		result.fail(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
