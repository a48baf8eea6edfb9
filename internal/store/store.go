// Package store persists and exports control plane state. Postgres keeps
// incident history, recovery executions and compressed snapshots; Redis
// keeps the latest snapshot of each kind with a short TTL for polling.
package store

import (
	"context"
	"errors"
	"time"
)

// Snapshot kinds written by the export task
const (
	KindSLOs      = "slos"
	KindBreakers  = "breakers"
	KindDashboard = "dashboard"
)

// ErrNoSnapshot is returned when no snapshot of a kind exists
var ErrNoSnapshot = errors.New("store: no snapshot")

// Snapshot is one exported JSON document
type Snapshot struct {
	Kind    string    `json:"kind"`
	TakenAt time.Time `json:"taken_at"`
	Data    []byte    `json:"data"`
}

// Exporter receives snapshots
type Exporter interface {
	Export(ctx context.Context, snap Snapshot) error
}

// Multi fans a snapshot out to every exporter and joins the failures
type Multi []Exporter

// Export implements Exporter
func (m Multi) Export(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
