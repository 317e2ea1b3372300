package sds

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// PeerAuthenticator fetches the gateway's own workload SVID from a SPIRE
// agent and builds the mTLS server credentials the SDS listener uses to
// authenticate the Envoy sidecars that dial in for certificates. Serving
// certificate material over an unauthenticated channel would let any
// workload on the node pull leaf keys for any SNI.
type PeerAuthenticator struct {
	source       *workloadapi.X509Source
	allowedTrust string
}

// NewPeerAuthenticator connects to the SPIRE agent at socketPath. allowedTrust
// is the trust domain Envoy sidecars must present a SPIFFE ID under
// (e.g. "cluster.local"); any other caller is rejected.
func NewPeerAuthenticator(socketPath, allowedTrust string) (*PeerAuthenticator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	slog.Info("sds: connected to SPIRE agent", "socket_path", socketPath)
	return &PeerAuthenticator{source: source, allowedTrust: allowedTrust}, nil
}

// ServerOption returns the grpc.ServerOption that enforces mTLS with
// SPIFFE-ID authorization scoped to the configured trust domain.
func (a *PeerAuthenticator) ServerOption() (grpc.ServerOption, error) {
	domain, err := spiffeid.TrustDomainFromString(a.allowedTrust)
	if err != nil {
		return nil, fmt.Errorf("parse trust domain %q: %w", a.allowedTrust, err)
	}
	tlsConf := tlsconfig.MTLSServerConfig(a.source, a.source, tlsconfig.AuthorizeMemberOf(domain))
	return grpc.Creds(credentials.NewTLS(tlsConf)), nil
}

// Close releases the SPIRE workload API connection.
func (a *PeerAuthenticator) Close() error {
	return a.source.Close()
}
