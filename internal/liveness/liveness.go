// Package liveness classifies an agent as online/warning/offline/
// unknown from two signals: transport attachment and heartbeat recency
// (the age of the persisted last_seen). The persisted status field is
// not consulted.
package liveness

import (
	"context"
	"strconv"
	"time"

	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/store"
)

// State is the derived liveness classification.
type State string

const (
	Online  State = "online"
	Warning State = "warning"
	Offline State = "offline"
	Unknown State = "unknown"
)

// offlineThresholdKey is the settings key an operator can set to
// override cfg.OfflineThresholdSeconds at runtime without restarting
// fleetctl-server.
const offlineThresholdKey = "liveness.offlineThresholdSeconds"

// Tracker evaluates the classification rules against configured
// thresholds.
type Tracker struct {
	cfg   config.LivenessConfig
	store store.Store // optional; nil disables the Settings override
}

func New(cfg config.LivenessConfig, st store.Store) *Tracker {
	return &Tracker{cfg: cfg, store: st}
}

// OfflineThreshold returns the operator-configured offline boundary
// (liveness.offlineThresholdSeconds in Settings), falling back to
// cfg.OfflineThreshold() when no override is stored or the stored
// value does not parse.
func (t *Tracker) OfflineThreshold() time.Duration {
	if t.store == nil {
		return t.cfg.OfflineThreshold()
	}
	raw, ok, err := t.store.Settings().Get(context.Background(), offlineThresholdKey)
	if err != nil || !ok {
		return t.cfg.OfflineThreshold()
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return t.cfg.OfflineThreshold()
	}
	return time.Duration(secs) * time.Second
}

// Classify derives the agent's liveness state. attached comes from the
// Connection Registry; lastSeen is the most recently persisted
// last_seen (zero value means absent/unparsable -> Unknown).
func (t *Tracker) Classify(attached bool, lastSeen time.Time, now time.Time) State {
	if lastSeen.IsZero() {
		return Unknown
	}

	age := now.Sub(lastSeen)

	if attached || age < t.cfg.OnlineThreshold() {
		return Online
	}
	if age < t.cfg.WarningThreshold() {
		return Warning
	}
	if age >= t.OfflineThreshold() && !attached {
		return Offline
	}
	return Warning
}
