// Package cache implements the Intelligent Cache / Policy component: the
// clean-URL cache, the cacheable-method check, the notable-domain
// classifier (a metrics label, never a security decision), and the
// plan-to-priority mapping. See spec.md §4.F.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const defaultCacheTTL = time.Hour

// cacheableMethods are the HTTP methods a clean result may be cached
// against; any method that can carry a mutating body is excluded.
var cacheableMethods = map[string]struct{}{
	"GET":     {},
	"HEAD":    {},
	"OPTIONS": {},
}

// notableDomains classifies a URI by substring match for metrics labeling
// only; it never gates a security decision.
var notableDomains = map[string]string{
	"pypi.org":             "python",
	"files.pythonhosted":   "python",
	"registry.npmjs.org":   "node",
	"repo.maven.apache":    "java",
	"github.com":           "github",
	"registry-1.docker.io": "docker",
	"docker.io":            "docker",
}

// Policy is the Intelligent Cache / Policy component.
type Policy struct {
	st  store.Store
	ttl time.Duration
}

// New constructs a Policy with the default 3600s cache TTL.
func New(st store.Store) *Policy {
	return &Policy{st: st, ttl: defaultCacheTTL}
}

// WithTTL overrides the clean-cache TTL (spec.md §3 default 3600s).
func (p *Policy) WithTTL(ttl time.Duration) *Policy {
	p.ttl = ttl
	return p
}

// IsCacheableMethod reports whether a result for this HTTP method may be
// stored in or served from the clean-URL cache.
func IsCacheableMethod(method string) bool {
	_, ok := cacheableMethods[strings.ToUpper(method)]
	return ok
}

func cacheKey(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return "cache:uri:" + hex.EncodeToString(sum[:])
}

func blockKey(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return "cache:blocked:" + hex.EncodeToString(sum[:])
}

// CheckCache reports whether uri was previously verified clean. The
// allow-list policy gate is reserved for future use and currently always
// passes through to the store lookup.
func (p *Policy) CheckCache(ctx context.Context, uri string) (bool, error) {
	return p.st.Exists(ctx, cacheKey(uri))
}

// StoreCache records uri as clean for the configured TTL. Callers must
// only invoke this for cacheable HTTP methods.
func (p *Policy) StoreCache(ctx context.Context, uri string) error {
	_, err := p.st.Set(ctx, cacheKey(uri), []byte("1"), p.ttl, false)
	return err
}

// CheckBlocked reports whether uri was previously flagged infected in the
// fire-and-forget infection-response mode, where the CONTINUE has already
// reached the proxy and the only remaining control point is the next
// request for the same URI.
func (p *Policy) CheckBlocked(ctx context.Context, uri string) (bool, error) {
	return p.st.Exists(ctx, blockKey(uri))
}

// StoreBlocked records uri as infected for the configured TTL.
func (p *Policy) StoreBlocked(ctx context.Context, uri string) error {
	_, err := p.st.Set(ctx, blockKey(uri), []byte("1"), p.ttl, false)
	return err
}

// GetNotableType classifies uri against the domain category map for
// metrics labeling. Returns "" when no category matches.
func GetNotableType(uri string) string {
	for substr, category := range notableDomains {
		if strings.Contains(uri, substr) {
			return category
		}
	}
	return ""
}

// priorityPlans map a tenant's subscription plan to the high-priority
// queue.
var priorityPlans = map[string]struct{}{
	"premium":    {},
	"enterprise": {},
	"business":   {},
}

// CheckPriority maps a tenant plan name to a queue priority.
func CheckPriority(plan string) bool {
	_, ok := priorityPlans[strings.ToLower(plan)]
	return ok
}
