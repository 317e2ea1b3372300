// Package engine speaks the INSTREAM wire protocol to an external
// ClamAV-style content-scanning daemon, streaming chunks from a Data
// Provider without ever buffering the whole body. See spec.md §4.E.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/circuitbreaker"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/errs"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
)

const (
	handshake     = "zINSTREAM\000"
	foundToken    = "FOUND"
	dialTimeout   = 10 * time.Second
	ioTimeout     = 60 * time.Second
	reloadTimeout = 10 * time.Second
	pingTimeout   = 2 * time.Second
)

// ChunkProvider is the subset of provider.Provider the engine needs on
// the read side.
type ChunkProvider interface {
	Chunks(ctx context.Context) (<-chan []byte, <-chan error)
}

var _ ChunkProvider = (*provider.StreamProvider)(nil)
var _ ChunkProvider = (*provider.InlineProvider)(nil)

// Client is the Scanner Engine Client. One Client instance may be shared
// across goroutines; each call dials its own socket.
type Client struct {
	network string
	address string
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

// New parses a clamd URL of the form "tcp://host:port" or
// "unix:///path/to/socket" into a dialable Client. breaker may be nil;
// production callers should pass GatewayCircuitBreakers.Engine so a
// wedged daemon trips fast instead of stacking up dial timeouts across
// every in-flight worker.
func New(clamdURL string, breaker *circuitbreaker.CircuitBreaker) (*Client, error) {
	u, err := url.Parse(clamdURL)
	if err != nil {
		return nil, errs.New(errs.Config, "parse_clamd_url", err)
	}

	switch u.Scheme {
	case "tcp":
		return &Client{network: "tcp", address: u.Host, breaker: breaker, logger: slog.With("component", "engine_client")}, nil
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return &Client{network: "unix", address: path, breaker: breaker, logger: slog.With("component", "engine_client")}, nil
	default:
		return nil, errs.New(errs.Config, "parse_clamd_url", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, errs.New(errs.TransientTransport, "dial_engine", err)
	}
	return conn, nil
}

// Result is the outcome of one scan pass.
type Result struct {
	IsVirus      bool
	VirusName    string
	BytesScanned int
}

// Scan drains chunks from p through the INSTREAM protocol and always
// finalizes the provider with the observed outcome, even on error. When a
// circuit breaker is configured and tripped, the dial is skipped entirely
// and a TransientTransport error is returned immediately.
func (c *Client) Scan(ctx context.Context, p provider.Provider) (Result, error) {
	res, err := c.scanThroughBreaker(ctx, p)
	success := err == nil
	if finalizeErr := p.Finalize(ctx, success, res.IsVirus); finalizeErr != nil {
		c.logger.Warn("failed to finalize byte pipe after scan", "error", finalizeErr)
	}
	return res, err
}

func (c *Client) scanThroughBreaker(ctx context.Context, p provider.Provider) (Result, error) {
	if c.breaker == nil {
		return c.scan(ctx, p)
	}
	return circuitbreaker.ExecuteWithFallback(c.breaker,
		func() (Result, error) { return c.scan(ctx, p) },
		func(err error) (Result, error) {
			return Result{}, errs.New(errs.TransientTransport, "engine_circuit_open", err)
		},
	)
}

func (c *Client) scan(ctx context.Context, p ChunkProvider) (Result, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(ioTimeout))
	}

	if _, err := conn.Write([]byte(handshake)); err != nil {
		return Result{}, errs.New(errs.TransientTransport, "send_handshake", err)
	}

	chunks, errCh := p.Chunks(ctx)
	bytesScanned := 0

drain:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break drain
			}
			if err := writeFrame(conn, chunk); err != nil {
				return Result{}, err
			}
			bytesScanned += len(chunk)
		case err := <-errCh:
			if err != nil {
				return Result{BytesScanned: bytesScanned}, errs.New(errs.TransientTransport, "read_provider_chunks", err)
			}
		case <-ctx.Done():
			return Result{BytesScanned: bytesScanned}, errs.New(errs.Timeout, "scan", ctx.Err())
		}
	}

	if err := writeFrame(conn, nil); err != nil {
		return Result{BytesScanned: bytesScanned}, err
	}

	reply, err := readReply(conn)
	if err != nil {
		return Result{BytesScanned: bytesScanned}, errs.New(errs.TransientTransport, "read_engine_reply", err)
	}

	isVirus := strings.Contains(reply, foundToken)
	virusName := ""
	if isVirus {
		virusName = extractVirusName(reply)
	}

	return Result{IsVirus: isVirus, VirusName: virusName, BytesScanned: bytesScanned}, nil
}

// writeFrame sends a 4-byte big-endian length prefix followed by chunk.
// A nil chunk sends the zero-length terminator frame.
func writeFrame(conn net.Conn, chunk []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunk)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return errs.New(errs.TransientTransport, "write_frame_length", err)
	}
	if len(chunk) > 0 {
		if _, err := conn.Write(chunk); err != nil {
			return errs.New(errs.TransientTransport, "write_frame_body", err)
		}
	}
	return nil
}

func readReply(conn net.Conn) (string, error) {
	var buf bytes.Buffer
	r := bufio.NewReader(conn)
	if _, err := buf.ReadFrom(r); err != nil {
		// clamd closes the connection after replying; an EOF here is the
		// normal end of the reply, not a transport failure, as long as we
		// already have bytes.
		if buf.Len() == 0 {
			return "", err
		}
	}
	return strings.TrimRight(buf.String(), "\x00\r\n"), nil
}

// extractVirusName pulls the signature name out of a clamd reply of the
// form "stream: Eicar-Test-Signature FOUND".
func extractVirusName(reply string) string {
	const suffix = " FOUND"
	idx := strings.LastIndex(reply, suffix)
	if idx < 0 {
		return ""
	}
	head := reply[:idx]
	if colon := strings.LastIndex(head, ":"); colon >= 0 {
		head = head[colon+1:]
	}
	return strings.TrimSpace(head)
}

// Reload asks the daemon to re-read its signature database.
func (c *Client) Reload(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(reloadTimeout))

	if _, err := conn.Write([]byte("zRELOAD\000")); err != nil {
		return errs.New(errs.TransientTransport, "send_reload", err)
	}
	if _, err := readReply(conn); err != nil {
		return errs.New(errs.TransientTransport, "reload_engine", err)
	}
	return nil
}

// Ping reports whether the daemon answers PONG within the ping timeout;
// used by the cluster coordinator to poll readiness after a reload.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	conn, err := c.dial(pingCtx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(pingTimeout))

	if _, err := conn.Write([]byte("zPING\000")); err != nil {
		return false, errs.New(errs.TransientTransport, "send_ping", err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return false, errs.New(errs.TransientTransport, "ping_engine", err)
	}
	return strings.Contains(reply, "PONG"), nil
}
