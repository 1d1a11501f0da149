package secure

import (
	"crypto/tls"
	"fmt"

	"github.com/mdlayher/vsock"
)

// Vsock endpoints carry the same TLS-framed channel as TCP; they exist for
// enclave deployments where the parent instance bridges to the network.

// DialVsock opens a mutually authenticated TLS connection to a vsock
// context id and port.
func DialVsock(contextID, port uint32, cfg *Config) (Channel, error) {
	tlsCfg, err := cfg.tlsConfig(false)
	if err != nil {
		return nil, err
	}
	conn, err := vsock.Dial(contextID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial failed: %w", err)
	}
	return newTLSChannel(tls.Client(conn, tlsCfg), cfg)
}

// ListenVsock binds a TLS server endpoint on a vsock port.
func ListenVsock(port uint32, cfg *Config) (*Listener, error) {
	if _, err := cfg.tlsConfig(true); err != nil {
		return nil, err
	}
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen failed: %w", err)
	}
	return &Listener{ln: ln, cfg: cfg}, nil
}
