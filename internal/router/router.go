// Package router implements the Proxy Router: the component that admits,
// authenticates, rate-limits, dispatches and resolves every inbound
// client request, and routes admin mutations to the rate limiter.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tonfoundation/liteproxy/internal/downstream"
	"github.com/tonfoundation/liteproxy/internal/fanout"
	"github.com/tonfoundation/liteproxy/internal/freshness"
	"github.com/tonfoundation/liteproxy/internal/identity"
	"github.com/tonfoundation/liteproxy/internal/metrics"
	"github.com/tonfoundation/liteproxy/internal/proxysocks"
	"github.com/tonfoundation/liteproxy/internal/ratelimit"
	"github.com/tonfoundation/liteproxy/internal/upstream"
	"github.com/tonfoundation/liteproxy/internal/wire"
	apperrors "github.com/tonfoundation/liteproxy/pkg/errors"
	"github.com/tonfoundation/liteproxy/pkg/logger"
	pkgmetrics "github.com/tonfoundation/liteproxy/pkg/metrics"
)

// Dispatch modes, matching the CLI surface's 0/1 values.
const (
	ModeSinglePick = 0
	ModeRace       = 1
)

// UpstreamEntry configures one pool member.
type UpstreamEntry struct {
	PubKeyHex string          `json:"pubkey"`
	Client    upstream.Config `json:"client"`
}

// Config is the Router's full wiring configuration.
type Config struct {
	Listen       string `json:"listen"`
	MaxClients   int    `json:"max_clients"`
	ClientIdleMs int    `json:"client_idle_ms"`
	Downstream   downstream.Config `json:"downstream"`

	Mode          int `json:"mode"`
	MaxRefire     int `json:"max_refire"`
	RefireDelayMs int `json:"refire_delay_ms"`

	Upstreams []UpstreamEntry `json:"upstreams"`
	AdminKeys []string        `json:"admin_keys"`

	Freshness freshness.Config `json:"freshness"`
	RateLimit ratelimit.Config `json:"rate_limit"`
	Socks     proxysocks.Config `json:"socks"`

	HTTP struct {
		Listen string `json:"listen"`
	} `json:"http"`

	MetricsNamespace string `json:"metrics_namespace"`
}

func (c *Config) applyDefaults() {
	if c.MaxClients == 0 {
		c.MaxClients = 1000
	}
	if c.ClientIdleMs == 0 {
		c.ClientIdleMs = 120_000
	}
	if c.MaxRefire == 0 {
		c.MaxRefire = 10
	}
	if c.RefireDelayMs == 0 {
		c.RefireDelayMs = 100
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "liteproxy"
	}
}

// Router ties together the upstream pool, freshness tracker, rate
// limiter/admin subsystem and identity registrar behind the public
// contract spec.md §4.1 describes.
type Router struct {
	cfg         Config
	refireDelay time.Duration

	registrar *identity.Registrar
	limiter   *ratelimit.Limiter
	tracker   *freshness.Tracker

	clientsMu sync.RWMutex
	clients   map[upstream.ID]*upstream.Client

	metrics        *metrics.Collector
	promCollectors *metrics.PrometheusCollectors
	promSync       *metrics.SyncState

	ready        atomic.Bool
	activeConns  atomic.Int64
}

// New builds a Router and dials nothing yet; call Run to start it.
func New(cfg Config) (*Router, error) {
	cfg.applyDefaults()

	registrar := identity.NewRegistrar()
	for _, hexKey := range cfg.AdminKeys {
		pub, err := parsePubKeyHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("admin_keys: %w", err)
		}
		registrar.MarkAdmin(pub)
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, registrar)
	if err != nil {
		return nil, err
	}
	if err := limiter.Rehydrate(); err != nil {
		return nil, fmt.Errorf("initial rehydrate: %w", err)
	}

	tracker := freshness.NewTracker(cfg.Freshness)

	r := &Router{
		cfg:            cfg,
		refireDelay:    time.Duration(cfg.RefireDelayMs) * time.Millisecond,
		registrar:      registrar,
		limiter:        limiter,
		tracker:        tracker,
		clients:        make(map[upstream.ID]*upstream.Client),
		metrics:        metrics.NewCollector(),
		promCollectors: metrics.InitPrometheus(cfg.MetricsNamespace),
		promSync:       metrics.NewSyncState(),
	}

	for _, entry := range cfg.Upstreams {
		pub, err := parsePubKeyHex(entry.PubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", entry.PubKeyHex, err)
		}
		id := identity.DeriveShortID(pub)
		dialer, err := proxysocks.NewProxyDialer(&cfg.Socks)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", entry.PubKeyHex, err)
		}
		client := upstream.NewClient(id, entry.Client, dialer, r)
		r.clients[id] = client
	}

	return r, nil
}

func parsePubKeyHex(s string) (identity.PubKey, error) {
	var pub identity.PubKey
	n, err := fmt.Sscanf(s, "%x", &pub)
	if err != nil || n != 1 {
		return pub, fmt.Errorf("invalid pubkey hex %q", s)
	}
	return pub, nil
}

// Close releases the persistent store.
func (r *Router) Close() error {
	return r.limiter.Close()
}

// OnReady implements upstream.Lifecycle.
func (r *Router) OnReady(id upstream.ID) {
	r.tracker.ReportReady(id)
	logger.Info("upstream %s: connected", id)
	go func() {
		client := r.getClient(id)
		if client == nil {
			return
		}
		t := client.ProbeFreshness(context.Background())
		r.tracker.ReportChainTime(id, t)
	}()
}

// OnClosed implements upstream.Lifecycle.
func (r *Router) OnClosed(id upstream.ID) {
	r.tracker.ReportClosed(id)
	logger.Info("upstream %s: disconnected", id)
}

func (r *Router) getClient(id upstream.ID) *upstream.Client {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return r.clients[id]
}

func (r *Router) allClients() []*upstream.Client {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	out := make([]*upstream.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Run dials every configured upstream and keeps them connected with
// jittered backoff, then runs the 1-second admission/rehydrate/probe tick
// until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for _, client := range r.allClients() {
		go r.maintainUpstream(ctx, client)
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Router) maintainUpstream(ctx context.Context, c *upstream.Client) {
	const backoffMin = 1 * time.Second
	const backoffMax = 30 * time.Second
	for ctx.Err() == nil {
		if err := c.Dial(ctx); err != nil {
			logger.Error("upstream %s: dial failed: %v", c.ID(), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(upstream.Backoff(backoffMin, backoffMax)):
			}
			continue
		}
		for c.IsConnected() && ctx.Err() == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
		if ctx.Err() != nil {
			return
		}
		time.Sleep(upstream.Backoff(backoffMin, backoffMax))
	}
}

// tick implements spec.md §4.1's periodic tick: clear per-window usage,
// rehydrate missing users, probe every connected upstream for chain time,
// and let the Freshness Tracker decide whether to recompute the hot set.
func (r *Router) tick(ctx context.Context) {
	r.limiter.ResetWindow()
	if err := r.limiter.Rehydrate(); err != nil {
		logger.Error("rehydrate: %v", err)
	}

	var wg sync.WaitGroup
	var connected atomic.Int64
	for _, client := range r.allClients() {
		if !client.IsConnected() {
			continue
		}
		connected.Add(1)
		wg.Add(1)
		go func(c *upstream.Client) {
			defer wg.Done()
			t := c.ProbeFreshness(ctx)
			r.tracker.ReportChainTime(c.ID(), t)
		}(client)
	}
	wg.Wait()

	r.metrics.SetUpstreamsConnected(connected.Load())
	r.tracker.Tick()
	r.metrics.SetHotSetSize(int64(len(r.tracker.HotSet())))

	if bestID, bestTime, ok := r.tracker.Best(); ok {
		logger.Debug("router: best upstream %s at chain time %d", bestID, bestTime)
	}

	if !r.ready.Load() && connected.Load() > 0 {
		r.ready.Store(true)
		logger.Info("router: ready (%d upstream(s) connected)", connected.Load())
	}
}

// ctxKey namespaces values this package stores on a request's context.
type ctxKey string

// reqIDKey is the InFlightRequest correlation id, generated once when a
// request first enters OnInboundQuery and carried unchanged across every
// refire in its chain — for log lines only, never for wire payloads.
const reqIDKey ctxKey = "liteproxy-req-id"

func requestID(ctx context.Context) (context.Context, string) {
	if id, ok := ctx.Value(reqIDKey).(string); ok {
		return ctx, id
	}
	id := uuid.New().String()
	return context.WithValue(ctx, reqIDKey, id), id
}

// OnInboundQuery implements the Query/WaitMasterchainSeqno side of the
// Router's public contract. It always resolves exactly once: the return
// value is either an upstream-forwarded payload or a proxy-originated
// framed error, never a Go error.
func (r *Router) OnInboundQuery(ctx context.Context, src, dst identity.PubKey, payload json.RawMessage, refireDepth int) json.RawMessage {
	ctx, reqID := requestID(ctx)

	if refireDepth > r.cfg.MaxRefire {
		r.metrics.IncrementRefireExhausted()
		logger.Debug("request %s: refire exhausted at depth %d", reqID, refireDepth)
		return framedAppError(wire.CodeRefire, apperrors.RefireExhausted("Too deep refire"))
	}
	if !r.ready.Load() {
		r.metrics.IncrementNotReady()
		return framedAppError(503, apperrors.NotReady("Server not ready"))
	}
	if !r.registrar.IsRegistered(dst) {
		r.metrics.IncrementUnauthorised()
		return framedAppError(401, apperrors.Unauthorised("Unauthorised"))
	}

	switch r.limiter.Admit(dst, time.Now().Unix()) {
	case ratelimit.AdmissionOk:
	default:
		r.metrics.IncrementRateLimited()
		return framedAppError(wire.CodeRateLimited, apperrors.RateLimited("Ratelimit"))
	}

	r.metrics.IncrementAdmitted()
	logger.Debug("request %s: admitted dst=%s depth=%d", reqID, dst, refireDepth)
	return r.dispatch(ctx, src, dst, payload, refireDepth)
}

// OnInboundAdmin implements the AdminQuery side of the Router's public
// contract, dispatching to the Rate Limiter / Admin subsystem.
func (r *Router) OnInboundAdmin(_ context.Context, _ identity.PubKey, dst identity.PubKey, payload json.RawMessage) json.RawMessage {
	pkgmetrics.IncrementRequests()

	if !r.registrar.IsAdmin(dst) {
		r.metrics.IncrementAdminFailed()
		pkgmetrics.IncrementErrors()
		return framedAppError(401, apperrors.AdminInvalid("not an admin identity"))
	}

	var cmd wire.AddUserCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		r.metrics.IncrementAdminFailed()
		pkgmetrics.IncrementErrors()
		return framedAppError(400, apperrors.AdminInvalid("malformed add_user command"))
	}

	pub := identity.PubKey(cmd.PubKey)
	shortID, err := r.limiter.AddUser(pub, cmd.ValidUntil, cmd.RateLimit)
	if err != nil {
		r.metrics.IncrementAdminFailed()
		pkgmetrics.IncrementErrors()
		return framedAppErrorCause(400, apperrors.AdminInvalidWrap("add_user failed", err))
	}

	r.metrics.IncrementAdminOK()
	reply := wire.NewUserReply{PubKey: cmd.PubKey, ShortID: [32]byte(shortID)}
	data, _ := json.Marshal(reply)
	return data
}

func (r *Router) dispatch(ctx context.Context, src, dst identity.PubKey, payload json.RawMessage, depth int) json.RawMessage {
	pool := r.tracker.HotSet()
	if len(pool) == 0 {
		pool = r.tracker.Connected()
	}
	if len(pool) == 0 {
		return framedError(502, "no upstream available")
	}

	if r.cfg.Mode == ModeRace {
		return r.dispatchRace(ctx, src, dst, payload, depth, pool)
	}
	return r.dispatchSinglePick(ctx, src, dst, payload, depth, pool)
}

func (r *Router) dispatchSinglePick(ctx context.Context, src, dst identity.PubKey, payload json.RawMessage, depth int, pool []upstream.ID) json.RawMessage {
	id := pool[rand.Intn(len(pool))]
	client := r.getClient(id)
	if client == nil {
		return framedError(502, "upstream not found")
	}

	resp, err := client.SendRaw(ctx, wire.TagQuery, payload)
	if err != nil {
		return framedError(504, err.Error())
	}

	if soft, ok := wire.ParseSoftError(resp); ok && wire.IsRefireEligible(soft.Message) {
		r.metrics.IncrementRefired()
		_, reqID := requestID(ctx)
		logger.Debug("request %s: refire-eligible soft error from upstream %s: %s", reqID, id, soft.Message)
		time.Sleep(r.refireDelay)
		return r.OnInboundQuery(ctx, src, dst, payload, depth+1)
	}
	return resp
}

func (r *Router) dispatchRace(ctx context.Context, src, dst identity.PubKey, payload json.RawMessage, depth int, pool []upstream.ID) json.RawMessage {
	resultCh := make(chan json.RawMessage, 1)

	resolve := func(payload json.RawMessage, err error) {
		if err != nil {
			resultCh <- framedError(504, err.Error())
			return
		}
		resultCh <- payload
	}
	refire := func() {
		r.metrics.IncrementRefired()
		_, reqID := requestID(ctx)
		logger.Debug("request %s: race mode refire at depth %d", reqID, depth+1)
		go func() {
			time.Sleep(r.refireDelay)
			resultCh <- r.OnInboundQuery(ctx, src, dst, payload, depth+1)
		}()
	}

	fc := fanout.NewContext(len(pool), resolve, refire)
	for _, id := range pool {
		id := id
		go func() {
			client := r.getClient(id)
			if client == nil {
				fc.OnTransportError()
				return
			}
			resp, err := client.SendRaw(ctx, wire.TagQuery, payload)
			if err != nil {
				fc.OnTransportError()
				return
			}
			fc.OnPayload(resp)
		}()
	}

	return <-resultCh
}

func framedError(code int32, message string) json.RawMessage {
	data, err := wire.NewErrorReply(code, message).Marshal()
	if err != nil {
		return []byte(fmt.Sprintf(`{"code":%d,"message":"internal error encoding error reply"}`, code))
	}
	return data
}

// framedAppError frames one of the pkg/errors taxonomy kinds as a wire-level
// soft error. It uses AppError.Message rather than Error() so the wire text
// stays exactly what the caller wrote — the Code field is for the taxonomy,
// not for client-facing text.
func framedAppError(code int32, appErr *apperrors.AppError) json.RawMessage {
	return framedError(code, appErr.Message)
}

// framedAppErrorCause is framedAppError for the rare case where the wrapped
// cause belongs on the wire too (a failed add_user's underlying store
// error), rendering the full "Code: Message (caused by: ...)" text.
func framedAppErrorCause(code int32, appErr *apperrors.AppError) json.RawMessage {
	return framedError(code, appErr.Error())
}
