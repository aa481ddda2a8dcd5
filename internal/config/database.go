package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "metaquery-catalog"

// EffectivePort returns the configured port or the driver's default.
func (c *CatalogConfig) EffectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Driver == DriverPostgres {
		return 5432
	}
	return 3306
}

// DSN returns the data source name for the catalog database. A configured connection
// string is used as is apart from the parameters the catalog store relies on.
func (c *CatalogConfig) DSN() (string, error) {
	switch c.Driver {
	case DriverPostgres:
		return c.postgresDSN()
	case DriverMySQL, "":
		return c.mysqlDSN()
	default:
		return "", fmt.Errorf("unsupported catalog driver %q", c.Driver)
	}
}

func (c *CatalogConfig) mysqlDSN() (string, error) {
	var cfg *mysql.Config
	if c.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(c.ConnectionString)
		if err != nil {
			return "", fmt.Errorf("catalog.dsn is not a valid MySQL DSN: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.EffectivePort()))
		cfg.DBName = c.Database
	}
	cfg.ParseTime = true
	if cfg.Loc == nil || cfg.Loc == time.Local {
		cfg.Loc = time.UTC
	}
	if param := c.mysqlTLSParam(); param != "" && cfg.TLSConfig == "" {
		cfg.TLSConfig = param
	}
	return cfg.FormatDSN(), nil
}

func (c *CatalogConfig) mysqlTLSParam() string {
	switch c.TLS.Mode {
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return ""
	}
}

func (c *CatalogConfig) postgresDSN() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.EffectivePort())),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	switch c.TLS.Mode {
	case "off":
		q.Set("sslmode", "disable")
	case "skip-verify":
		q.Set("sslmode", "require")
	case "verify-ca", "verify-full":
		q.Set("sslmode", c.TLS.Mode)
		if c.TLS.CAFile != "" {
			q.Set("sslrootcert", c.TLS.CAFile)
		}
		if c.TLS.CertFile != "" {
			q.Set("sslcert", c.TLS.CertFile)
			q.Set("sslkey", c.TLS.KeyFile)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RegisterTLS registers the custom TLS configuration with the MySQL driver. It must run
// before the catalog database is opened and is a no-op for other modes and drivers.
func (c *CatalogConfig) RegisterTLS() error {
	if c.Driver == DriverPostgres || (c.TLS.Mode != "verify-ca" && c.TLS.Mode != "verify-full") {
		return nil
	}
	tlsCfg, err := c.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (c *CatalogConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.TLS.CAFile != "" {
		caCert, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", c.TLS.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", c.TLS.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	switch {
	case c.TLS.CertFile != "" && c.TLS.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case c.TLS.CertFile != "" || c.TLS.KeyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	if c.TLS.Mode == "verify-full" {
		tlsCfg.ServerName = c.TLS.ServerName
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = c.Host
		}
	} else {
		// verify-ca checks the chain but not the host name.
		tlsCfg.InsecureSkipVerify = true
		roots := tlsCfg.RootCAs
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyChain(rawCerts, roots)
		}
	}
	return tlsCfg, nil
}

func verifyChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("server presented no certificates")
	}
	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse server certificate: %w", err)
		}
		certs[i] = cert
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
	return err
}

// normalizeDriver lowercases a driver name and maps common aliases.
func normalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "postgresql", "pg", "pgx":
		return DriverPostgres
	case "tidb", "mariadb":
		return DriverMySQL
	default:
		return d
	}
}
