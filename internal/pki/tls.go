// Package pki fornece as configurações TLS do listener do broker e do
// client VibeMQ. TLS 1.3 mínimo; mTLS é opcional dos dois lados.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerTLSConfig cria a configuração TLS 1.3 do listener do broker.
// Se clientCaPath não for vazio, client certs passam a ser exigidos e
// validados contra essa CA (mTLS).
func NewServerTLSConfig(certPath, keyPath, clientCaPath string) (*tls.Config, error) {
	// Carrega o certificado do broker
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if clientCaPath != "" {
		caPool, err := loadCACertPool(clientCaPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = caPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// NewClientTLSConfig cria a configuração TLS 1.3 do client.
// caPath vazio usa as CAs do sistema; certPath+keyPath habilitam mTLS;
// serverName sobrepõe o hostname usado na validação do certificado.
func NewClientTLSConfig(caPath, certPath, keyPath, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: serverName,
	}

	if caPath != "" {
		caPool, err := loadCACertPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = caPool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
