// Command idscp2-server runs a demo IDSCP2 echo server with the dummy
// attestation driver pair. Configuration comes from the environment (a .env
// file is honored) or a JSON settings file passed via -settings.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
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
	listenAddr := flag.String("listen", ":29292", "listen address for the tcp transport")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Error loading .env file: %v", err)
	}

	if err := shared.InitializeGlobalLogger("idscp2-server"); err != nil {
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

	cfg := settings.ProtocolConfig()
	cfg.Logger = logger
	cfg.DatProvider = dat.Static{TokenBytes: []byte("demo-dat"), Validity: datValidity(settings)}
	cfg.DatVerifier = dat.AcceptAll(datValidity(settings))

	listener, err := listen(settings, *listenAddr, transportCfg)
	if err != nil {
		logger.Fatal("Failed to bind listener", zap.Error(err))
	}

	server := idscp2.NewServer(listener, cfg, func(conn *idscp2.Connection) {
		connLogger := logger.WithConnection(conn.ID())
		conn.OnMessage(func(payload []byte) {
			connLogger.Info("Echoing payload", zap.Int("bytes", len(payload)))
			if err := conn.Send(payload); err != nil {
				connLogger.Warn("Echo failed", zap.Error(err))
			}
		})
		conn.OnError(func(err error) {
			connLogger.Warn("Connection error", zap.Error(err))
		})
		conn.OnClose(func() {
			logger.ConnectionClosed(conn.ID(), "peer or user close")
		})
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("Shutting down")
		server.Stop()
	}()

	if err := server.Serve(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func listen(settings *idscp2.Settings, addr string, cfg *secure.Config) (idscp2.ChannelListener, error) {
	switch settings.Transport {
	case idscp2.TransportWebSocket:
		return secure.ListenWebSocket(addr, "/idscp2", cfg)
	case idscp2.TransportVsock:
		port := uint32(shared.GetEnvIntOrDefault("IDSCP2_VSOCK_PORT", 29292))
		return secure.ListenVsock(port, cfg)
	default:
		return secure.Listen(addr, cfg)
	}
}

func datValidity(settings *idscp2.Settings) time.Duration {
	if settings.DatValidityInSec > 0 {
		return time.Duration(settings.DatValidityInSec) * time.Second
	}
	return time.Hour
}
