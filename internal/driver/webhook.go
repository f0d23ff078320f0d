package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultWebhookOnRegex  = `status.*\:.*running`
	defaultWebhookOffRegex = `status.*\:.*stopped`

	userAgent = "maas-rackd"
)

// WebhookDriver calls user supplied HTTP endpoints to control power
type WebhookDriver struct {
	opts   HTTPOptions
	logger *zap.Logger
	// clients per TLS verification mode
	verified   *retryablehttp.Client
	unverified *retryablehttp.Client
}

func NewWebhookDriver(opts HTTPOptions) *WebhookDriver {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WebhookDriver{
		opts:       opts,
		logger:     opts.Logger,
		verified:   newHTTPClient(opts, true),
		unverified: newHTTPClient(opts, false),
	}
}

func (d *WebhookDriver) Name() string                    { return "webhook" }
func (d *WebhookDriver) Queryable() bool                 { return true }
func (d *WebhookDriver) DetectMissingPackages() []string { return nil }

func (d *WebhookDriver) PowerOn(ctx context.Context, systemID string, params model.PowerParameters) error {
	uri, err := requireParam(params, "power_on_uri")
	if err != nil {
		return err
	}
	_, err = d.request(ctx, http.MethodPost, uri, systemID, params)
	return err
}

func (d *WebhookDriver) PowerOff(ctx context.Context, systemID string, params model.PowerParameters) error {
	uri, err := requireParam(params, "power_off_uri")
	if err != nil {
		return err
	}
	_, err = d.request(ctx, http.MethodPost, uri, systemID, params)
	return err
}

func (d *WebhookDriver) PowerQuery(ctx context.Context, systemID string, params model.PowerParameters) (model.PowerState, error) {
	uri, err := requireParam(params, "power_query_uri")
	if err != nil {
		return model.PowerStateError, err
	}

	onRe, err := regexp.Compile(params.StringDefault("power_on_regex", defaultWebhookOnRegex))
	if err != nil {
		return model.PowerStateError, maaserrors.PowerActionError("invalid power_on_regex", err)
	}
	offRe, err := regexp.Compile(params.StringDefault("power_off_regex", defaultWebhookOffRegex))
	if err != nil {
		return model.PowerStateError, maaserrors.PowerActionError("invalid power_off_regex", err)
	}

	body, err := d.request(ctx, http.MethodGet, uri, systemID, params)
	if err != nil {
		return model.PowerStateError, err
	}

	switch {
	case onRe.Match(body):
		return model.PowerStateOn, nil
	case offRe.Match(body):
		return model.PowerStateOff, nil
	default:
		return model.PowerStateUnknown, nil
	}
}

func (d *WebhookDriver) request(ctx context.Context, method, uri, systemID string, params model.PowerParameters) ([]byte, error) {
	client := d.verified
	if !params.Bool("power_verify_ssl") {
		client = d.unverified
	}

	body, status, err := d.do(ctx, client, method, uri, systemID, params)
	if err == nil && status == http.StatusNotFound && !strings.HasSuffix(uri, "/") {
		// Some frameworks only route the URI with a trailing slash
		body, status, err = d.do(ctx, client, method, uri+"/", systemID, params)
	}
	if err != nil {
		return nil, maaserrors.PowerConnError(fmt.Sprintf("webhook request to %s failed", uri), err)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, maaserrors.PowerAuthError(fmt.Sprintf("webhook %s rejected credentials (%d)", uri, status), nil)
	case status >= 400:
		return nil, maaserrors.PowerActionError(fmt.Sprintf("webhook %s returned HTTP %d", uri, status), nil)
	}
	return body, nil
}

func (d *WebhookDriver) do(ctx context.Context, client *retryablehttp.Client, method, uri, systemID string, params model.PowerParameters) ([]byte, int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("System_Id", systemID)

	if token := params.String("power_token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if user := params.String("power_user"); user != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + params.String("power_pass")))
		req.Header.Set("Authorization", "Basic "+creds)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	d.logger.Debug("Webhook responded",
		zap.String("system_id", systemID),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode))
	return body, resp.StatusCode, nil
}
