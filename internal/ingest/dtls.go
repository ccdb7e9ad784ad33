package ingest

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/pion/dtls/v3"
)

// ListenDTLS opens a DTLS listener on addr presenting cert. Devices pin the
// certificate fingerprint instead of validating a chain.
func ListenDTLS(addr string, cert tls.Certificate) (net.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve dtls addr %q: %w", addr, err)
	}
	ln, err := dtls.Listen("udp", laddr, &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256},
	})
	if err != nil {
		return nil, fmt.Errorf("dtls listen %s: %w", addr, err)
	}
	return ln, nil
}
