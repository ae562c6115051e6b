// Package upstream implements the Upstream Client: one actor per
// configured upstream lite-server, owning a single long-lived connection
// and exposing send_raw/probe_freshness to the Proxy Router.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonfoundation/liteproxy/internal/identity"
	"github.com/tonfoundation/liteproxy/internal/proxysocks"
	"github.com/tonfoundation/liteproxy/internal/wire"
	"github.com/tonfoundation/liteproxy/pkg/logger"
)

// ID identifies a configured upstream, derived the same way a user
// identity is: the short id of its public key.
type ID = identity.ShortID

// Config describes one upstream lite-server.
type Config struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	TLS                bool   `json:"tls"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	ReadBuf            int    `json:"read_buf"`
	WriteBuf           int    `json:"write_buf"`
	SendTimeoutMs       int   `json:"send_timeout_ms"`
	ProbeTimeoutMs      int   `json:"probe_timeout_ms"`
}

const (
	defaultReadBuf       = 4096
	defaultWriteBuf      = 4096
	defaultSendTimeoutMs = 2000 // spec.md §4.2: ≈2s fixed request deadline
	defaultProbeTimeoutMs = 2000
)

func (c *Config) applyDefaults() {
	if c.ReadBuf == 0 {
		c.ReadBuf = defaultReadBuf
	}
	if c.WriteBuf == 0 {
		c.WriteBuf = defaultWriteBuf
	}
	if c.SendTimeoutMs == 0 {
		c.SendTimeoutMs = defaultSendTimeoutMs
	}
	if c.ProbeTimeoutMs == 0 {
		c.ProbeTimeoutMs = defaultProbeTimeoutMs
	}
}

// Lifecycle is the narrow callback interface the Client reports connection
// transitions through. The Router implements it.
type Lifecycle interface {
	OnReady(id ID)
	OnClosed(id ID)
}

type pendingReq struct {
	replyCh chan wire.Envelope
}

// Client owns one connection to one upstream lite-server.
type Client struct {
	id     ID
	cfg    Config
	dialer *proxysocks.ProxyDialer
	life   Lifecycle

	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer

	reqID atomic.Uint64

	respMu  sync.Mutex
	pending map[uint64]pendingReq

	connected atomic.Bool
}

// NewClient creates an Upstream Client. dialer may be a plain TCP dialer or
// a SOCKS5 dialer (see internal/proxysocks).
func NewClient(id ID, cfg Config, dialer *proxysocks.ProxyDialer, life Lifecycle) *Client {
	cfg.applyDefaults()
	return &Client{
		id:      id,
		cfg:     cfg,
		dialer:  dialer,
		life:    life,
		pending: make(map[uint64]pendingReq),
	}
}

// ID returns the upstream's identity.
func (c *Client) ID() ID { return c.id }

// Dial connects to the upstream and starts its read loop. Reports ready to
// the configured Lifecycle on success.
func (c *Client) Dial(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var conn net.Conn
	var err error
	if c.cfg.TLS {
		rawConn, dialErr := c.dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return dialErr
		}
		tlsConn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify})
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return err
		}
		conn = tlsConn
	} else {
		conn, err = c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.bw = bufio.NewWriterSize(conn, c.cfg.WriteBuf)
	c.mu.Unlock()

	c.respMu.Lock()
	c.pending = make(map[uint64]pendingReq)
	c.respMu.Unlock()

	c.connected.Store(true)
	reader := bufio.NewReaderSize(conn, c.cfg.ReadBuf)
	go c.readLoop(reader)

	if c.life != nil {
		c.life.OnReady(c.id)
	}
	return nil
}

func (c *Client) readLoop(reader *bufio.Reader) {
	defer c.handleDisconnect()
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var env wire.Envelope
			if err := env.Unmarshal(trimNewline(line)); err == nil {
				c.deliver(env)
			}
		}
		if err != nil {
			return
		}
	}
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}

func (c *Client) deliver(env wire.Envelope) {
	c.respMu.Lock()
	req, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.respMu.Unlock()
	if ok {
		req.replyCh <- env
	}
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.bw = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.respMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]pendingReq)
	c.respMu.Unlock()
	for _, req := range pending {
		close(req.replyCh)
	}

	if c.life != nil {
		c.life.OnClosed(c.id)
	}
}

// IsConnected reports whether the upstream connection is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close tears down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// SendRaw forwards payload to the upstream as a single request, waiting up
// to the configured send deadline for a reply.
func (c *Client) SendRaw(ctx context.Context, tag uint32, payload json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	bw := c.bw
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || bw == nil {
		return nil, fmt.Errorf("upstream %s: not connected", c.id)
	}

	id := c.reqID.Add(1)
	req := wire.Envelope{Tag: tag, ID: id, Payload: payload}
	data, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	replyCh := make(chan wire.Envelope, 1)
	c.respMu.Lock()
	c.pending[id] = pendingReq{replyCh: replyCh}
	c.respMu.Unlock()

	c.mu.Lock()
	_, werr := bw.Write(data)
	if werr == nil {
		werr = bw.Flush()
	}
	c.mu.Unlock()
	if werr != nil {
		c.respMu.Lock()
		delete(c.pending, id)
		c.respMu.Unlock()
		return nil, werr
	}

	deadline := time.Duration(c.cfg.SendTimeoutMs) * time.Millisecond
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case env, ok := <-replyCh:
		if !ok {
			return nil, fmt.Errorf("upstream %s: connection closed awaiting reply", c.id)
		}
		return env.Payload, nil
	case <-timer.C:
		c.respMu.Lock()
		delete(c.pending, id)
		c.respMu.Unlock()
		return nil, fmt.Errorf("upstream %s: send_raw timeout", c.id)
	case <-ctx.Done():
		c.respMu.Lock()
		delete(c.pending, id)
		c.respMu.Unlock()
		return nil, ctx.Err()
	}
}

// ProbeFreshness issues the well-known masterchain-info query and returns
// the upstream's reported chain time, or 0 on any error.
func (c *Client) ProbeFreshness(ctx context.Context) int64 {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ProbeTimeoutMs)*time.Millisecond)
	defer cancel()

	payload, _ := json.Marshal(struct {
		Kind uint32 `json:"kind"`
	}{Kind: wire.QueryKindGetMasterchainInfo})

	resp, err := c.SendRaw(probeCtx, wire.TagQuery, payload)
	if err != nil {
		logger.Debug("upstream %s: freshness probe failed: %v", c.id, err)
		return 0
	}
	var info wire.MasterchainInfoReply
	if err := json.Unmarshal(resp, &info); err != nil {
		return 0
	}
	return info.LastUtime
}

// Backoff computes a jittered reconnect delay: min times a random power of
// two (1, 2, 4 or 8), capped at max, plus up to 250ms of jitter, so the
// result can exceed max by that jitter. Returns min when max <= min.
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << rand.Intn(4) // 1,2,4,8
	d := time.Duration(int64(min) * int64(mul))
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}
