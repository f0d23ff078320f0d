package driver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const proxmoxDefaultPort = "8006"

// proxmoxAuth is either a login ticket or an API token header
type proxmoxAuth struct {
	ticket    string
	csrfToken string
	apiToken  string
}

func (a proxmoxAuth) apply(req *retryablehttp.Request) {
	if a.apiToken != "" {
		req.Header.Set("Authorization", "PVEAPIToken="+a.apiToken)
		return
	}
	req.Header.Set("Cookie", "PVEAuthCookie="+a.ticket)
	req.Header.Set("CSRFPreventionToken", a.csrfToken)
}

// proxmoxVM is the subset of a cluster/resources entry the driver needs
type proxmoxVM struct {
	node   string
	kind   string
	vmid   string
	status string
}

// ProxmoxDriver controls virtual machines through the Proxmox VE API
type ProxmoxDriver struct {
	logger     *zap.Logger
	verified   *retryablehttp.Client
	unverified *retryablehttp.Client
	// login tickets keyed by address and user
	tickets *lru.TwoQueueCache
}

func NewProxmoxDriver(opts HTTPOptions, ticketCacheSize int) (*ProxmoxDriver, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if ticketCacheSize <= 0 {
		ticketCacheSize = 128
	}
	tickets, err := lru.New2Q(ticketCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket cache: %w", err)
	}
	return &ProxmoxDriver{
		logger:     opts.Logger,
		verified:   newHTTPClient(opts, true),
		unverified: newHTTPClient(opts, false),
		tickets:    tickets,
	}, nil
}

func (d *ProxmoxDriver) Name() string                    { return "proxmox" }
func (d *ProxmoxDriver) Queryable() bool                 { return true }
func (d *ProxmoxDriver) DetectMissingPackages() []string { return nil }

func (d *ProxmoxDriver) PowerOn(ctx context.Context, systemID string, params model.PowerParameters) error {
	return d.change(ctx, systemID, params, model.PowerStateOn, "start")
}

func (d *ProxmoxDriver) PowerOff(ctx context.Context, systemID string, params model.PowerParameters) error {
	return d.change(ctx, systemID, params, model.PowerStateOff, "stop")
}

func (d *ProxmoxDriver) PowerQuery(ctx context.Context, systemID string, params model.PowerParameters) (model.PowerState, error) {
	auth, err := d.login(ctx, params)
	if err != nil {
		return model.PowerStateError, err
	}
	vm, err := d.findVM(ctx, params, auth)
	if err != nil {
		return model.PowerStateError, err
	}
	return proxmoxPowerState(vm.status), nil
}

func (d *ProxmoxDriver) change(ctx context.Context, systemID string, params model.PowerParameters, want model.PowerState, verb string) error {
	auth, err := d.login(ctx, params)
	if err != nil {
		return err
	}
	vm, err := d.findVM(ctx, params, auth)
	if err != nil {
		return err
	}
	if proxmoxPowerState(vm.status) == want {
		return nil
	}

	endpoint := fmt.Sprintf("nodes/%s/%s/%s/status/%s", vm.node, vm.kind, vm.vmid, verb)
	if _, err := d.call(ctx, params, http.MethodPost, endpoint, nil, auth); err != nil {
		return err
	}
	d.logger.Debug("Proxmox VM power change requested",
		zap.String("system_id", systemID),
		zap.String("vmid", vm.vmid),
		zap.String("action", verb))
	return nil
}

func proxmoxPowerState(status string) model.PowerState {
	switch status {
	case "running":
		return model.PowerStateOn
	case "stopped":
		return model.PowerStateOff
	default:
		return model.PowerStateUnknown
	}
}

// login returns API token credentials when configured, otherwise a cached or
// freshly issued ticket.
func (d *ProxmoxDriver) login(ctx context.Context, params model.PowerParameters) (proxmoxAuth, error) {
	user := params.String("power_user")
	if tokenName := params.String("power_token_name"); tokenName != "" {
		if !strings.Contains(tokenName, "!") {
			tokenName = user + "!" + tokenName
		}
		return proxmoxAuth{apiToken: tokenName + "=" + params.String("power_token_secret")}, nil
	}

	key := params.String("power_address") + "|" + user
	if cached, ok := d.tickets.Get(key); ok {
		return cached.(proxmoxAuth), nil
	}

	form := url.Values{"username": {user}, "password": {params.String("power_pass")}}
	body, err := d.call(ctx, params, http.MethodPost, "access/ticket", form, proxmoxAuth{})
	if err != nil {
		return proxmoxAuth{}, err
	}
	data := gjson.GetBytes(body, "data")
	auth := proxmoxAuth{
		ticket:    data.Get("ticket").String(),
		csrfToken: data.Get("CSRFPreventionToken").String(),
	}
	if auth.ticket == "" {
		return proxmoxAuth{}, maaserrors.PowerAuthError("proxmox login returned no ticket", nil)
	}
	d.tickets.Add(key, auth)
	return auth, nil
}

func (d *ProxmoxDriver) findVM(ctx context.Context, params model.PowerParameters, auth proxmoxAuth) (proxmoxVM, error) {
	name, err := requireParam(params, "power_vm_name")
	if err != nil {
		return proxmoxVM{}, err
	}
	body, err := d.call(ctx, params, http.MethodGet, "cluster/resources?type=vm", nil, auth)
	if err != nil {
		return proxmoxVM{}, err
	}

	var found *proxmoxVM
	gjson.GetBytes(body, "data").ForEach(func(_, vm gjson.Result) bool {
		if vm.Get("vmid").String() == name || vm.Get("name").String() == name {
			found = &proxmoxVM{
				node:   vm.Get("node").String(),
				kind:   vm.Get("type").String(),
				vmid:   vm.Get("vmid").String(),
				status: vm.Get("status").String(),
			}
			return false
		}
		return true
	})
	if found == nil {
		return proxmoxVM{}, maaserrors.PowerActionError(fmt.Sprintf("Unable to find virtual machine %s", name), nil)
	}
	return *found, nil
}

func (d *ProxmoxDriver) call(ctx context.Context, params model.PowerParameters, method, endpoint string, form url.Values, auth proxmoxAuth) ([]byte, error) {
	address, err := requireParam(params, "power_address")
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, proxmoxURL(address, endpoint), body)
	if err != nil {
		return nil, maaserrors.PowerActionError("invalid proxmox request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	auth.apply(req)

	client := d.verified
	if !params.Bool("power_verify_ssl") {
		client = d.unverified
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, maaserrors.PowerConnError(fmt.Sprintf("unable to reach proxmox at %s", address), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, maaserrors.PowerConnError("failed reading proxmox response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		d.tickets.Remove(address + "|" + params.String("power_user"))
		return nil, maaserrors.PowerAuthError(fmt.Sprintf("proxmox rejected credentials (%d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, maaserrors.PowerActionError(fmt.Sprintf("proxmox %s %s returned HTTP %d", method, endpoint, resp.StatusCode), nil)
	}
	return data, nil
}

// proxmoxURL builds the API URL, defaulting the port when the address has none
func proxmoxURL(address, endpoint string) string {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), proxmoxDefaultPort)
	}
	return fmt.Sprintf("https://%s/api2/json/%s", address, endpoint)
}
