package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/util"
)

var ErrNoCertificate = errors.New("no certificate source configured")

// Manager serves certificates from Let's Encrypt when AutoCert is on, and
// from the configured key pair otherwise.
type Manager struct {
	cfg      config.ServerConfig
	autoCert *autocert.Manager

	once    sync.Once
	fileErr error
	file    *tls.Certificate
}

func NewManager(cfg config.ServerConfig) (*Manager, error) {
	m := &Manager{cfg: cfg}
	if !cfg.EnableTLS {
		return m, nil
	}

	switch {
	case cfg.AutoCert:
		if cfg.Domain == "" {
			return nil, fmt.Errorf("autocert requires SERVER_DOMAIN")
		}
		if err := os.MkdirAll(cfg.AutoCertDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Cache:      autocert.DirCache(cfg.AutoCertDir),
			Email:      cfg.Email,
		}
		util.Info("AutoCert configured",
			util.String("domain", cfg.Domain),
			util.String("cache_dir", cfg.AutoCertDir))
	case cfg.CertFile != "" && cfg.KeyFile != "":
		if _, err := m.fileCertificate(); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoCertificate
	}
	return m, nil
}

func (m *Manager) fileCertificate() (*tls.Certificate, error) {
	m.once.Do(func() {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err != nil {
			m.fileErr = fmt.Errorf("failed to load key pair: %w", err)
			return
		}
		m.file = &cert
	})
	return m.file, m.fileErr
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		return m.autoCert.GetCertificate(hello)
	}
	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		return m.fileCertificate()
	}
	return nil, ErrNoCertificate
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// AutocertManager is nil unless AutoCert is enabled.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
