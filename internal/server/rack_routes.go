package server

import (
	"net/http"
	"sort"

	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/health"
	"github.com/canonical/maas-sub025/internal/model"
	"go.uber.org/zap"
)

// RegionConnectionLister reports the live region connections of a rack
type RegionConnectionLister interface {
	Connections() map[string][]model.RegionConnection
}

// ScanStatus reports the scan running on a rack
type ScanStatus interface {
	Running() string
}

// RackDeps are the services behind the rackd HTTP API
type RackDeps struct {
	SystemID string
	Regions  RegionConnectionLister
	Scans    ScanStatus
	Health   *health.HealthChecker
}

type rackStatus struct {
	SystemID string              `json:"system_id"`
	Regions  map[string][]string `json:"regions"`
	Scanning string              `json:"scan_id,omitempty"`
}

// NewRackServer creates the rackd operations server
func NewRackServer(cfg config.HTTPConfig, deps RackDeps, logger *zap.Logger) *Server {
	s := newServer(cfg, deps.Health, logger)
	s.router.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		status := rackStatus{
			SystemID: deps.SystemID,
			Regions:  make(map[string][]string),
			Scanning: deps.Scans.Running(),
		}
		for eventloop, conns := range deps.Regions.Connections() {
			for _, c := range conns {
				status.Regions[eventloop] = append(status.Regions[eventloop], c.Address)
			}
			sort.Strings(status.Regions[eventloop])
		}
		writeJSON(w, http.StatusOK, status)
	}).Methods(http.MethodGet)
	return s
}
