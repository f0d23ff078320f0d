package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/canonical/maas-sub025/internal/client"
	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/health"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/service/region"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// DiscoveryControl is the active discovery coordinator as seen by the API
type DiscoveryControl interface {
	State() region.DiscoveryState
	Config() (model.DiscoveryConfig, bool)
	RefreshDiscoveryConfig(ctx context.Context) bool
	TryLockAndScan(ctx context.Context) string
}

// DiscoverySettings persists the active discovery interval
type DiscoverySettings interface {
	SetActiveDiscoveryInterval(ctx context.Context, seconds int64) error
}

// ConfigNotifier tells the other region processes about a settings change
type ConfigNotifier interface {
	NotifyDiscoveryConfigChanged()
}

// PowerDispatcher is the region power service as seen by the API
type PowerDispatcher interface {
	ClientFor(ctx context.Context, rackID string) (client.RackClient, error)
	PowerOn(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) error
	PowerOff(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) error
	PowerCycle(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) error
	PowerQuery(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) (model.PowerQueryResult, error)
	PowerQueryAll(ctx context.Context, systemID, hostname string, info model.PowerInfo, timeout time.Duration) model.AggregatePowerOutcome
	PowerDriverCheck(ctx context.Context, c client.RackClient, powerType string) ([]string, error)
	SetBootOrder(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo, order []string) error
}

// RackLister lists connected rack controllers
type RackLister interface {
	GetAllClients() []client.RackClient
}

// RegionDeps are the services behind the regiond HTTP API
type RegionDeps struct {
	Settings  DiscoverySettings
	Discovery DiscoveryControl
	Notifier  ConfigNotifier
	Power     PowerDispatcher
	Racks     RackLister
	Health    *health.HealthChecker
}

type regionAPI struct {
	deps   RegionDeps
	logger *zap.Logger
}

// NewRegionServer creates the regiond operations server
func NewRegionServer(cfg config.HTTPConfig, deps RegionDeps, logger *zap.Logger) *Server {
	s := newServer(cfg, deps.Health, logger)
	api := &regionAPI{deps: deps, logger: logger}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/settings/discovery", api.getDiscovery).Methods(http.MethodGet)
	v1.HandleFunc("/settings/discovery", api.putDiscovery).Methods(http.MethodPut)
	v1.HandleFunc("/discovery/scan", api.scan).Methods(http.MethodPost)
	v1.HandleFunc("/racks", api.listRacks).Methods(http.MethodGet)
	v1.HandleFunc("/racks/{rack_id}/drivers/{power_type}", api.driverCheck).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{system_id}/power/query", api.powerQuery).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{system_id}/power/{action:on|off|cycle}", api.powerAction).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{system_id}/boot-order", api.bootOrder).Methods(http.MethodPut)
	return s
}

type discoveryResponse struct {
	State    string `json:"state"`
	Enabled  bool   `json:"enabled"`
	Interval int64  `json:"interval"`
	LastScan int64  `json:"last_scan"`
}

func (a *regionAPI) getDiscovery(w http.ResponseWriter, r *http.Request) {
	resp := discoveryResponse{State: a.deps.Discovery.State().String()}
	if cfg, ok := a.deps.Discovery.Config(); ok {
		resp.Enabled = cfg.Enabled
		resp.Interval = cfg.IntervalSeconds
		resp.LastScan = cfg.LastScan
	}
	writeJSON(w, http.StatusOK, resp)
}

type discoverySettingsRequest struct {
	Interval *int64 `json:"interval"`
}

// putDiscovery stores the interval, refreshes the local coordinator and
// tells the other regions to refresh theirs
func (a *regionAPI) putDiscovery(w http.ResponseWriter, r *http.Request) {
	var req discoverySettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Interval == nil {
		writeBadRequest(w, r, "body must be {\"interval\": <seconds>}")
		return
	}
	if *req.Interval < 0 {
		writeBadRequest(w, r, "interval must not be negative")
		return
	}

	if err := a.deps.Settings.SetActiveDiscoveryInterval(r.Context(), *req.Interval); err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	changed := a.deps.Discovery.RefreshDiscoveryConfig(r.Context())
	if a.deps.Notifier != nil {
		a.deps.Notifier.NotifyDiscoveryConfigChanged()
	}

	loggerFrom(r.Context(), a.logger).Info("Active discovery interval updated",
		zap.Int64("interval", *req.Interval),
		zap.Bool("changed", changed))
	a.getDiscovery(w, r)
}

func (a *regionAPI) scan(w http.ResponseWriter, r *http.Request) {
	message := a.deps.Discovery.TryLockAndScan(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (a *regionAPI) listRacks(w http.ResponseWriter, r *http.Request) {
	clients := a.deps.Racks.GetAllClients()
	racks := make([]string, 0, len(clients))
	for _, c := range clients {
		racks = append(racks, c.Ident())
	}
	writeJSON(w, http.StatusOK, map[string][]string{"racks": racks})
}

func (a *regionAPI) driverCheck(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := a.deps.Power.ClientFor(r.Context(), vars["rack_id"])
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	missing, err := a.deps.Power.PowerDriverCheck(r.Context(), c, vars["power_type"])
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"missing_packages": missing})
}

// powerRequest is the body of the node power endpoints
type powerRequest struct {
	RackID          string                `json:"rack_id"`
	Hostname        string                `json:"hostname"`
	PowerType       string                `json:"power_type"`
	PowerParameters model.PowerParameters `json:"power_parameters"`
	Order           []string              `json:"order,omitempty"`
	TimeoutSeconds  int                   `json:"timeout,omitempty"`
}

func (p powerRequest) info() model.PowerInfo {
	return model.PowerInfo{PowerType: p.PowerType, PowerParameters: p.PowerParameters}
}

func (a *regionAPI) decodePower(w http.ResponseWriter, r *http.Request, needRack bool) (powerRequest, bool) {
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid JSON body: "+err.Error())
		return req, false
	}
	if req.PowerType == "" {
		writeBadRequest(w, r, "power_type is required")
		return req, false
	}
	if needRack && req.RackID == "" {
		writeBadRequest(w, r, "rack_id is required")
		return req, false
	}
	return req, true
}

func (a *regionAPI) powerAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req, ok := a.decodePower(w, r, true)
	if !ok {
		return
	}
	c, err := a.deps.Power.ClientFor(r.Context(), req.RackID)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}

	systemID := vars["system_id"]
	switch vars["action"] {
	case "on":
		err = a.deps.Power.PowerOn(r.Context(), c, systemID, req.Hostname, req.info())
	case "off":
		err = a.deps.Power.PowerOff(r.Context(), c, systemID, req.Hostname, req.info())
	default:
		err = a.deps.Power.PowerCycle(r.Context(), c, systemID, req.Hostname, req.info())
	}
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"system_id": systemID, "action": vars["action"]})
}

type powerQueryResponse struct {
	State     string   `json:"state"`
	Error     string   `json:"error,omitempty"`
	Responded []string `json:"responded_rack_ids,omitempty"`
	Failed    []string `json:"failed_rack_ids,omitempty"`
}

// powerQuery asks one rack when rack_id is given, otherwise every rack
func (a *regionAPI) powerQuery(w http.ResponseWriter, r *http.Request) {
	systemID := mux.Vars(r)["system_id"]
	req, ok := a.decodePower(w, r, false)
	if !ok {
		return
	}

	if req.RackID == "" {
		outcome := a.deps.Power.PowerQueryAll(r.Context(), systemID, req.Hostname, req.info(),
			time.Duration(req.TimeoutSeconds)*time.Second)
		writeJSON(w, http.StatusOK, powerQueryResponse{
			State:     string(outcome.State),
			Responded: outcome.RespondedRackIDs,
			Failed:    outcome.FailedRackIDs,
		})
		return
	}

	c, err := a.deps.Power.ClientFor(r.Context(), req.RackID)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	result, err := a.deps.Power.PowerQuery(r.Context(), c, systemID, req.Hostname, req.info())
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	resp := powerQueryResponse{State: string(result.State)}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *regionAPI) bootOrder(w http.ResponseWriter, r *http.Request) {
	systemID := mux.Vars(r)["system_id"]
	req, ok := a.decodePower(w, r, true)
	if !ok {
		return
	}
	c, err := a.deps.Power.ClientFor(r.Context(), req.RackID)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	if err := a.deps.Power.SetBootOrder(r.Context(), c, systemID, req.Hostname, req.info(), req.Order); err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
