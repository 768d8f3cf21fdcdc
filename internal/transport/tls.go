package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// curatedCipherSuites restricts TLS 1.2 to ECDHE key exchange with
// AES-256-GCM/SHA-384, per spec §6 "TLS": no static-RSA key exchange,
// no CBC, no SHA-1. crypto/tls never implemented finite-field DHE
// suites, only the elliptic-curve ECDHE family, so the "ECDHE/DHE"
// requirement narrows to ECDHE here.
var curatedCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
}

// TLSMaterial is the shared certificate chain every node in one
// NETWORK_ID overlay must carry: since peers authenticate each other
// mutually but are identified by node-id rather than DNS name (spec
// §6 "Hostname verification is disabled"), every member presents a
// certificate signed by the same CA and trusts that CA alone.
type TLSMaterial struct {
	Cert tls.Certificate
	CA   *x509.CertPool
}

// LoadTLSMaterial parses a PEM certificate/key pair and CA bundle from
// in-memory bytes, so callers can source them from disk, a config
// secret, or (in tests) inline literals without this package caring.
func LoadTLSMaterial(certPEM, keyPEM, caPEM []byte) (*TLSMaterial, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("transport: parse node certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: no certificates found in CA bundle")
	}
	return &TLSMaterial{Cert: cert, CA: pool}, nil
}

// serverConfig builds the TLS config a listener accepts connections
// under: mutual auth (every client must present a cert signed by the
// shared CA), TLS 1.2 exactly, curated cipher list, no hostname check.
func (m *TLSMaterial) serverConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.Cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    m.CA,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: curatedCipherSuites,
	}
}

// clientConfig builds the TLS config used to dial a peer. Hostname
// verification is disabled (InsecureSkipVerify plus a custom
// VerifyPeerCertificate that still validates the chain against the
// shared CA) because peers are addressed by raw IP, not a name a
// certificate could meaningfully bind to — identity is established at
// the DHT layer by node-id, not by this handshake.
func (m *TLSMaterial) clientConfig() *tls.Config {
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{m.Cert},
		RootCAs:            m.CA,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		CipherSuites:       curatedCipherSuites,
		InsecureSkipVerify: true,
	}
	cfg.VerifyPeerCertificate = verifyChainIgnoringName(m.CA)
	return cfg
}

// verifyChainIgnoringName returns a VerifyPeerCertificate callback
// that checks the presented chain against roots without requiring the
// certificate's subject to match any particular hostname.
func verifyChainIgnoringName(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("transport: peer presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("transport: parse peer certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		return err
	}
}
