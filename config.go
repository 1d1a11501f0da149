package idscp2

import (
	"time"

	"github.com/industrial-data-space/idscp2-go/dat"
	"github.com/industrial-data-space/idscp2-go/rat"
	"github.com/industrial-data-space/idscp2-go/shared"
	"github.com/industrial-data-space/idscp2-go/timer"
)

// Defaults for the recognized configuration surface.
const (
	DefaultHandshakeTimeout   = 5 * time.Second
	DefaultRatTimeout         = 20 * time.Second
	DefaultRatRefreshInterval = 10 * time.Minute
	DefaultEventQueueCapacity = 64
)

// Config carries the protocol-level settings of a connection. Transport
// settings (key store, trust store, alias, cipher list) live in
// secure.Config.
type Config struct {
	// SupportedRatProvers lists the RAT mechanisms this side can prove, in
	// descending preference order.
	SupportedRatProvers []string
	// SupportedRatVerifiers lists the RAT mechanisms this side can verify,
	// in descending preference order.
	SupportedRatVerifiers []string

	HandshakeTimeout   time.Duration
	RatTimeout         time.Duration
	RatRefreshInterval time.Duration

	// EventQueueCapacity bounds the per-connection event queue. Values below
	// DefaultEventQueueCapacity are raised to it.
	EventQueueCapacity int

	DatProvider dat.Provider
	DatVerifier dat.Verifier

	// Provers and Verifiers default to the process-wide registries.
	Provers   *rat.Registry
	Verifiers *rat.Registry

	Logger *shared.Logger
	Clock  timer.Clock
}

// withDefaults returns a copy with every unset field resolved.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.RatTimeout <= 0 {
		out.RatTimeout = DefaultRatTimeout
	}
	if out.RatRefreshInterval <= 0 {
		out.RatRefreshInterval = DefaultRatRefreshInterval
	}
	if out.EventQueueCapacity < DefaultEventQueueCapacity {
		out.EventQueueCapacity = DefaultEventQueueCapacity
	}
	if out.Provers == nil {
		out.Provers = rat.DefaultProvers
	}
	if out.Verifiers == nil {
		out.Verifiers = rat.DefaultVerifiers
	}
	if out.Logger == nil {
		out.Logger = shared.GetLogger()
	}
	if out.Clock == nil {
		out.Clock = timer.RealClock{}
	}
	return &out
}
