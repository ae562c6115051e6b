package router

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonfoundation/liteproxy/internal/downstream"
	"github.com/tonfoundation/liteproxy/internal/identity"
	"github.com/tonfoundation/liteproxy/internal/metrics"
	"github.com/tonfoundation/liteproxy/internal/wire"
	"github.com/tonfoundation/liteproxy/pkg/logger"
	pkgmetrics "github.com/tonfoundation/liteproxy/pkg/metrics"
)

// handshake is the first line a connecting client sends, selecting the
// destination identity (the UserIdentity it is authenticated as, and the
// UserIdentity it is addressing) before any envelope is exchanged. The
// underlying authenticated transport (ADNL in production) is out of scope
// here; this proxy treats the handshake itself as the authentication fact.
type handshake struct {
	Src [32]byte `json:"src"`
	Dst [32]byte `json:"dst"`
}

// AcceptLoop accepts connections on listen until ctx is cancelled.
func (r *Router) AcceptLoop(ctx context.Context, listen string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", listen)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logger.Info("router: listening on %s", listen)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("accept: %v", err)
			continue
		}
		if r.activeConns.Load() >= int64(r.cfg.MaxClients) {
			_ = conn.Close()
			continue
		}
		r.activeConns.Add(1)
		go func() {
			defer r.activeConns.Add(-1)
			r.clientLoop(ctx, conn)
		}()
	}
}

func (r *Router) clientLoop(ctx context.Context, conn net.Conn) {
	d := downstream.New(conn, r.cfg.Downstream)
	defer d.Close()

	idle := time.Duration(r.cfg.ClientIdleMs) * time.Millisecond

	_ = conn.SetReadDeadline(time.Now().Add(idle))
	line, err := d.Reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var hs handshake
	if err := json.Unmarshal(trimNewline(line), &hs); err != nil {
		logger.Debug("client %s: bad handshake: %v", d.Addr, err)
		return
	}
	src := identity.PubKey(hs.Src)
	dst := identity.PubKey(hs.Dst)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		env, err := d.ReadEnvelope()
		if err != nil {
			return
		}

		var reply json.RawMessage
		switch env.Tag {
		case wire.TagAdminQuery:
			reply = r.OnInboundAdmin(ctx, src, dst, env.Payload)
		case wire.TagQuery, wire.TagWaitMasterchainSeqno:
			reply = r.OnInboundQuery(ctx, src, dst, env.Payload, 0)
		default:
			reply = framedError(400, "unknown envelope tag")
		}

		out := wire.Envelope{Tag: env.Tag, ID: env.ID, Payload: reply}
		if err := d.WriteEnvelope(out); err != nil {
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

// HttpServe exposes /healthz, /status and /metrics until ctx is cancelled.
func (r *Router) HttpServe(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if r.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			metrics.Snapshot
			AdminRequests int64 `json:"admin_requests"`
			AdminErrors   int64 `json:"admin_errors"`
		}{
			Snapshot:      r.metrics.Snapshot(),
			AdminRequests: pkgmetrics.Default.GetRequests(),
			AdminErrors:   pkgmetrics.Default.GetErrors(),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// ReportLoop periodically logs a metrics snapshot and syncs it into the
// prometheus collectors, until ctx is cancelled.
func (r *Router) ReportLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.promCollectors.Sync(r.metrics, r.promSync)
			snap := r.metrics.Snapshot()
			logger.Info("router: upstreams=%d hot=%d admitted=%d rate_limited=%d refired=%d",
				snap.UpstreamsConnected, snap.HotSetSize, snap.RequestsAdmitted, snap.RequestsRateLimited, snap.RequestsRefired)
		}
	}
}
