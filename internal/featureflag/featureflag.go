// Package featureflag implements the Feature-Flag Interface: a single
// get_priority(tenant_id) decision backed by either a static environment
// value or an external identity-flags provider. See spec.md §4.M.
package featureflag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/cache"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/circuitbreaker"
)

// Provider decides whether a tenant's traffic should be scanned with
// priority.
type Provider interface {
	GetPriority(ctx context.Context, tenantID string) bool
}

// EnvVarProvider returns a single static priority decision read from
// configuration, ignoring the tenant id. Used when FEATURE_FLAG_ENGINE=envvar.
type EnvVarProvider struct {
	Priority bool
}

// NewEnvVarProvider constructs a static provider from the configured
// SCAN_PRIORITY value ("high" or "low"/"normal").
func NewEnvVarProvider(scanPriority string) *EnvVarProvider {
	return &EnvVarProvider{Priority: scanPriority == "high"}
}

func (p *EnvVarProvider) GetPriority(ctx context.Context, tenantID string) bool {
	return p.Priority
}

// ExternalProvider queries an identity-flags service for a tenant's
// scan_plan attribute, mapping it to a priority decision via the
// Intelligent Cache's plan classifier (spec.md §4.F). A query failure is
// an EXTERNAL error: it is logged and the caller falls back to normal
// priority rather than blocking the request (spec.md §7).
type ExternalProvider struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewExternalProvider constructs a provider against an identity-flags
// service reachable at baseURL. breaker may be nil; production callers
// should pass GatewayCircuitBreakers.FeatureFlag so a wedged identity
// service degrades to normal priority immediately instead of stacking up
// HTTP timeouts on the header-phase hot path.
func NewExternalProvider(baseURL string, breaker *circuitbreaker.CircuitBreaker) *ExternalProvider {
	return &ExternalProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
		breaker: breaker,
		logger:  slog.With("component", "feature_flag_provider"),
	}
}

type flagResponse struct {
	ScanPlan string `json:"scan_plan"`
}

func (p *ExternalProvider) GetPriority(ctx context.Context, tenantID string) bool {
	var (
		priority bool
		err      error
	)
	if p.breaker == nil {
		priority, err = p.lookup(ctx, tenantID)
	} else {
		priority, err = circuitbreaker.ExecuteWithFallback(p.breaker,
			func() (bool, error) { return p.lookup(ctx, tenantID) },
			func(err error) (bool, error) { return false, err },
		)
	}
	if err != nil {
		p.logger.Warn("feature-flag lookup failed, defaulting to normal priority", "tenant_id", tenantID, "error", err)
		return false
	}
	return priority
}

func (p *ExternalProvider) lookup(ctx context.Context, tenantID string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/flags/%s/scan_plan", p.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("feature-flag lookup returned status %d", resp.StatusCode)
	}

	var flag flagResponse
	if err := json.NewDecoder(resp.Body).Decode(&flag); err != nil {
		return false, err
	}

	return cache.CheckPriority(flag.ScanPlan), nil
}
