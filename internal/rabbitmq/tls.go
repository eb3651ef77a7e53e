package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSOptions holds the transport security material for a connection.
// Empty fields are ignored; the zero value means "no client material".
type TLSOptions struct {
	CertFile string
	KeyFile  string
	CAFiles  []string
}

// IsZero reports whether no TLS material was configured
func (o TLSOptions) IsZero() bool {
	return o.CertFile == "" && o.KeyFile == "" && len(o.CAFiles) == 0
}

// BuildTLSConfig turns the options into a *tls.Config.
// verifyPeer=false disables server certificate verification.
func BuildTLSConfig(o TLSOptions, verifyPeer bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verifyPeer,
	}

	if (o.CertFile == "") != (o.KeyFile == "") {
		return nil, fmt.Errorf("%w: certificate and key must be provided together", ErrInvalidTLSMaterial)
	}
	if o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTLSMaterial, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if len(o.CAFiles) > 0 {
		pool := x509.NewCertPool()
		for _, path := range o.CAFiles {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidTLSMaterial, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("%w: no certificates found in %s", ErrInvalidTLSMaterial, path)
			}
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
