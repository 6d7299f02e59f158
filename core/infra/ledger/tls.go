package ledger

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA         = "CKPTPUB_REDIS_TLS_CA"
	envRedisTLSCert       = "CKPTPUB_REDIS_TLS_CERT"
	envRedisTLSKey        = "CKPTPUB_REDIS_TLS_KEY"
	envRedisTLSInsecure   = "CKPTPUB_REDIS_TLS_INSECURE"
	envRedisTLSServerName = "CKPTPUB_REDIS_TLS_SERVER_NAME"
)

// ParseOptions parses a Redis URL and layers TLS settings from the
// environment on top of it. rediss:// URLs already carry a TLS config.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsConfigFromEnv(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

func tlsConfigFromEnv(existing *tls.Config) (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envRedisTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envRedisTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisTLSKey))
	serverName := strings.TrimSpace(os.Getenv(envRedisTLSServerName))
	insecure := parseBoolEnv(envRedisTLSInsecure)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return existing, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if existing != nil {
		cfg = existing.Clone()
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		// #nosec G402 -- operator opt-in for test clusters.
		cfg.InsecureSkipVerify = true
	}
	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
