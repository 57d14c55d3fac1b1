package bambu

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// Config controls the MQTT and FTPS transports.
type Config struct {
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	PublishTimeout    time.Duration
	// StatusTimeout bounds how long GetStatus waits for a fresh report.
	StatusTimeout time.Duration
	// DisconnectQuiesce is how long a clean disconnect may wait for
	// in-flight work.
	DisconnectQuiesce time.Duration

	// InsecureSkipVerify disables certificate verification. Printers ship
	// self-signed certificates, so it defaults to true. Setting CAFile
	// turns verification back on regardless of this flag.
	InsecureSkipVerify bool
	CAFile             string
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     10 * time.Second,
		ReconnectInterval:  5 * time.Second,
		PublishTimeout:     10 * time.Second,
		StatusTimeout:      5 * time.Second,
		DisconnectQuiesce:  250 * time.Millisecond,
		InsecureSkipVerify: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = d.StatusTimeout
	}
	if c.DisconnectQuiesce <= 0 {
		c.DisconnectQuiesce = d.DisconnectQuiesce
	}
	return c
}

// TLSConfig builds the client TLS configuration shared by MQTT and FTPS.
func (c Config) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
		// FTPS data connections must resume the control session.
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
	if c.CAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
	}
	cfg.RootCAs = pool
	cfg.InsecureSkipVerify = false
	return cfg, nil
}
