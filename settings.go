package idscp2

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/industrial-data-space/idscp2-go/secure"
	"github.com/industrial-data-space/idscp2-go/shared"
)

// Transport selection for settings-driven endpoints.
const (
	TransportTCP       = "tcp"
	TransportVsock     = "vsock"
	TransportWebSocket = "ws"
)

// Settings is the file/environment representation of the recognized
// configuration surface. Durations are milliseconds, matching the option
// names of the configuration contract.
type Settings struct {
	HandshakeTimeoutMs    int      `json:"handshakeTimeoutMs,omitempty"`
	RatTimeoutMs          int      `json:"ratTimeoutMs,omitempty"`
	RatRefreshIntervalMs  int      `json:"ratRefreshIntervalMs,omitempty"`
	DatValidityInSec      int      `json:"datValidityInSec,omitempty"`
	MaxFrameBytes         int      `json:"maxFrameBytes,omitempty"`
	SupportedRatProvers   []string `json:"supportedRatProvers"`
	SupportedRatVerifiers []string `json:"supportedRatVerifiers"`
	CertificateAlias      string   `json:"certificateAlias"`
	KeyType               string   `json:"keyType,omitempty"`
	KeyStorePath          string   `json:"keyStorePath"`
	TrustStorePath        string   `json:"trustStorePath"`
	StrictIssuerMatch     bool     `json:"strictIssuerMatch,omitempty"`
	Transport             string   `json:"transport,omitempty"`
}

// settingsSchema validates a settings document before it is unmarshaled.
const settingsSchema = `{
	"type": "object",
	"required": ["supportedRatProvers", "supportedRatVerifiers", "certificateAlias", "keyStorePath", "trustStorePath"],
	"additionalProperties": false,
	"properties": {
		"handshakeTimeoutMs":    {"type": "integer", "minimum": 1},
		"ratTimeoutMs":          {"type": "integer", "minimum": 1},
		"ratRefreshIntervalMs":  {"type": "integer", "minimum": 1},
		"datValidityInSec":      {"type": "integer", "minimum": 1},
		"maxFrameBytes":         {"type": "integer", "minimum": 1024},
		"supportedRatProvers":   {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"supportedRatVerifiers": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"certificateAlias":      {"type": "string", "minLength": 1},
		"keyType":               {"type": "string", "enum": ["RSA", "EC"]},
		"keyStorePath":          {"type": "string", "minLength": 1},
		"trustStorePath":        {"type": "string", "minLength": 1},
		"strictIssuerMatch":     {"type": "boolean"},
		"transport":             {"type": "string", "enum": ["tcp", "vsock", "ws"]}
	}
}`

var (
	compiledSettingsSchema *gojsonschema.Schema
	settingsSchemaOnce     sync.Once
	settingsSchemaErr      error
)

func settingsValidator() (*gojsonschema.Schema, error) {
	settingsSchemaOnce.Do(func() {
		compiledSettingsSchema, settingsSchemaErr =
			gojsonschema.NewSchema(gojsonschema.NewStringLoader(settingsSchema))
	})
	return compiledSettingsSchema, settingsSchemaErr
}

// ParseSettings validates raw JSON against the settings schema and decodes
// it.
func ParseSettings(raw []byte) (*Settings, error) {
	schema, err := settingsValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to compile settings schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, desc := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(desc.String())
		}
		return nil, fmt.Errorf("invalid settings: %s", b.String())
	}

	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSettings reads and validates a settings file.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSettings(raw)
}

// SettingsFromEnv assembles settings from environment variables, using the
// contract's defaults for everything unset.
func SettingsFromEnv() *Settings {
	return &Settings{
		HandshakeTimeoutMs:    shared.GetEnvIntOrDefault("IDSCP2_HANDSHAKE_TIMEOUT_MS", 0),
		RatTimeoutMs:          shared.GetEnvIntOrDefault("IDSCP2_RAT_TIMEOUT_MS", 0),
		RatRefreshIntervalMs:  shared.GetEnvIntOrDefault("IDSCP2_RAT_REFRESH_INTERVAL_MS", 0),
		DatValidityInSec:      shared.GetEnvIntOrDefault("IDSCP2_DAT_VALIDITY_SEC", 0),
		MaxFrameBytes:         shared.GetEnvIntOrDefault("IDSCP2_MAX_FRAME_BYTES", 0),
		SupportedRatProvers:   splitList(shared.GetEnvOrDefault("IDSCP2_RAT_PROVERS", "Dummy")),
		SupportedRatVerifiers: splitList(shared.GetEnvOrDefault("IDSCP2_RAT_VERIFIERS", "Dummy")),
		CertificateAlias:      shared.GetEnvOrDefault("IDSCP2_CERT_ALIAS", "connector"),
		KeyType:               shared.GetEnvOrDefault("IDSCP2_KEY_TYPE", ""),
		KeyStorePath:          shared.GetEnvOrDefault("IDSCP2_KEYSTORE_PATH", "keystore"),
		TrustStorePath:        shared.GetEnvOrDefault("IDSCP2_TRUSTSTORE_PATH", "truststore.pem"),
		StrictIssuerMatch:     shared.GetEnvBoolOrDefault("IDSCP2_STRICT_ISSUER_MATCH", false),
		Transport:             shared.GetEnvOrDefault("IDSCP2_TRANSPORT", TransportTCP),
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ProtocolConfig derives the protocol-level Config. DAT collaborators and
// registries stay with the caller.
func (s *Settings) ProtocolConfig() *Config {
	return &Config{
		SupportedRatProvers:   s.SupportedRatProvers,
		SupportedRatVerifiers: s.SupportedRatVerifiers,
		HandshakeTimeout:      time.Duration(s.HandshakeTimeoutMs) * time.Millisecond,
		RatTimeout:            time.Duration(s.RatTimeoutMs) * time.Millisecond,
		RatRefreshInterval:    time.Duration(s.RatRefreshIntervalMs) * time.Millisecond,
	}
}

// TransportConfig loads the key and trust stores and derives the transport
// configuration.
func (s *Settings) TransportConfig() (*secure.Config, error) {
	keyStore, err := secure.LoadKeyStore(s.KeyStorePath)
	if err != nil {
		return nil, err
	}
	trustStore, err := secure.LoadTrustStore(s.TrustStorePath)
	if err != nil {
		return nil, err
	}
	return &secure.Config{
		KeyStore:          keyStore,
		TrustStore:        trustStore,
		CertificateAlias:  s.CertificateAlias,
		KeyType:           s.KeyType,
		StrictIssuerMatch: s.StrictIssuerMatch,
		MaxFrameBytes:     s.MaxFrameBytes,
	}, nil
}
