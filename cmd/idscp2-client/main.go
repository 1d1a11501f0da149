// Command idscp2-client connects to an IDSCP2 server, completes the
// attested handshake with the dummy driver pair, sends one payload and
// prints the reply.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	idscp2 "github.com/industrial-data-space/idscp2-go"
	"github.com/industrial-data-space/idscp2-go/dat"
	"github.com/industrial-data-space/idscp2-go/rat/dummy"
	"github.com/industrial-data-space/idscp2-go/secure"
	"github.com/industrial-data-space/idscp2-go/shared"
)

func main() {
	settingsPath := flag.String("settings", "", "path to a JSON settings file")
	addr := flag.String("addr", "localhost:29292", "server address")
	message := flag.String("message", "hello over idscp2", "payload to send")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Error loading .env file: %v", err)
	}

	if err := shared.InitializeGlobalLogger("idscp2-client"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := shared.GetLogger()
	defer logger.Sync()

	var settings *idscp2.Settings
	if *settingsPath != "" {
		loaded, err := idscp2.LoadSettings(*settingsPath)
		if err != nil {
			logger.Fatal("Failed to load settings", zap.Error(err))
		}
		settings = loaded
	} else {
		settings = idscp2.SettingsFromEnv()
	}

	transportCfg, err := settings.TransportConfig()
	if err != nil {
		logger.Fatal("Failed to build transport configuration", zap.Error(err))
	}
	transportCfg.Logger = logger

	dummy.RegisterDefaults()

	channel, err := dial(settings, *addr, transportCfg)
	if err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}

	cfg := settings.ProtocolConfig()
	cfg.Logger = logger
	cfg.DatProvider = dat.Static{TokenBytes: []byte("demo-dat"), Validity: time.Hour}
	cfg.DatVerifier = dat.AcceptAll(time.Hour)

	conn := idscp2.NewConnection(channel, cfg)
	reply := make(chan []byte, 1)
	conn.OnMessage(func(payload []byte) { reply <- payload })
	conn.OnError(func(err error) {
		logger.Warn("Connection error", zap.Error(err))
	})
	conn.Start()

	if !waitEstablished(conn, 10*time.Second) {
		logger.Fatal("Handshake did not complete", zap.String("state", conn.State().String()))
	}
	logger.Info("Connection established",
		zap.String("connection_id", conn.ID()),
		zap.String("peer", conn.PeerCertificate().Subject.CommonName))

	if err := conn.Send([]byte(*message)); err != nil {
		logger.Fatal("Send failed", zap.Error(err))
	}

	select {
	case payload := <-reply:
		logger.Info("Received reply", zap.ByteString("payload", payload))
	case <-time.After(10 * time.Second):
		logger.Warn("No reply within 10s")
	}

	conn.Close()
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("Close did not complete within 5s")
	}
}

func dial(settings *idscp2.Settings, addr string, cfg *secure.Config) (secure.Channel, error) {
	switch settings.Transport {
	case idscp2.TransportWebSocket:
		return secure.DialWebSocket("wss://"+addr+"/idscp2", cfg)
	case idscp2.TransportVsock:
		cid := uint32(shared.GetEnvIntOrDefault("IDSCP2_VSOCK_CID", 3))
		port := uint32(shared.GetEnvIntOrDefault("IDSCP2_VSOCK_PORT", 29292))
		return secure.DialVsock(cid, port, cfg)
	default:
		return secure.Dial(addr, cfg)
	}
}

func waitEstablished(conn *idscp2.Connection, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn.State() == idscp2.StateEstablished {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
