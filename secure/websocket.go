package secure

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/industrial-data-space/idscp2-go/wire"
)

// WebSocket endpoints carry one IDSCP2 frame per binary message over wss
// with the same mutual TLS configuration as the TCP transport.

// wsChannel implements Channel over a websocket connection.
type wsChannel struct {
	conn      *websocket.Conn
	codec     *wire.Codec
	peerCert  *x509.Certificate
	localCert *x509.Certificate

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newWSChannel(conn *websocket.Conn, peerCert *x509.Certificate, cfg *Config) (Channel, error) {
	localCert, err := cfg.LocalCertificate()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &wsChannel{
		conn:      conn,
		codec:     wire.NewCodec(cfg.MaxFrameBytes),
		peerCert:  peerCert,
		localCert: localCert,
		closed:    make(chan struct{}),
	}, nil
}

func (ch *wsChannel) Send(msg *wire.Message) error {
	select {
	case <-ch.closed:
		return ErrChannelClosed
	default:
	}
	frame, err := ch.codec.EncodeFrame(msg)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (ch *wsChannel) Receive() (*wire.Message, error) {
	for {
		msgType, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return ch.codec.ReadFrame(bytes.NewReader(data))
	}
}

func (ch *wsChannel) PeerCertificate() *x509.Certificate {
	return ch.peerCert
}

func (ch *wsChannel) LocalCertificate() *x509.Certificate {
	return ch.localCert
}

func (ch *wsChannel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		ch.writeMu.Lock()
		_ = ch.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ch.writeMu.Unlock()
		ch.closeErr = ch.conn.Close()
	})
	return ch.closeErr
}

// DialWebSocket opens a channel to a wss:// endpoint.
func DialWebSocket(url string, cfg *Config) (Channel, error) {
	tlsCfg, err := cfg.tlsConfig(false)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{TLSClientConfig: tlsCfg}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	peerCert, err := peerCertFromWS(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newWSChannel(conn, peerCert, cfg)
}

// peerCertFromWS extracts the peer TLS certificate from the underlying
// connection of a websocket.
func peerCertFromWS(conn *websocket.Conn) (*x509.Certificate, error) {
	tlsConn, ok := conn.NetConn().(*tls.Conn)
	if !ok {
		return nil, errors.New("websocket transport is not TLS")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("peer presented no certificate")
	}
	return state.PeerCertificates[0], nil
}

// WebSocketListener accepts inbound channels over a wss endpoint.
type WebSocketListener struct {
	cfg      *Config
	server   *http.Server
	ln       net.Listener
	incoming chan Channel
	done     chan struct{}
	once     sync.Once
}

// ListenWebSocket binds a wss endpoint serving the given upgrade path.
func ListenWebSocket(addr, path string, cfg *Config) (*WebSocketListener, error) {
	tlsCfg, err := cfg.tlsConfig(true)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	wsl := &WebSocketListener{
		cfg:      cfg,
		ln:       ln,
		incoming: make(chan Channel, 8),
		done:     make(chan struct{}),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		peerCert := r.TLS.PeerCertificates[0]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch, err := newWSChannel(conn, peerCert, cfg)
		if err != nil {
			return
		}
		select {
		case wsl.incoming <- ch:
		case <-wsl.done:
			ch.Close()
		}
	})

	wsl.server = &http.Server{Handler: mux}
	go wsl.server.Serve(tls.NewListener(ln, tlsCfg))
	return wsl, nil
}

// Accept blocks for the next upgraded channel.
func (l *WebSocketListener) Accept() (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Addr returns the bound address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the endpoint and drops queued channels.
func (l *WebSocketListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.server.Close()
	})
	return nil
}
