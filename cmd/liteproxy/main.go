// Command liteproxy runs the lite-server proxy: an async, multi-identity
// RPC router fronting a pool of TON lite-servers.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tonfoundation/liteproxy/internal/router"
	"github.com/tonfoundation/liteproxy/pkg/logger"
)

const version = "liteproxy v0.1.0"

func main() {
	serverConfigPath := flag.String("server-config", "server-config.json", "Path to the router configuration file")
	globalConfigPath := flag.String("global-config", "", "Path to a TON global config file listing liteservers")
	dbPath := flag.String("db", "", "Override the rate-limit store path")
	listen := flag.String("listen", "", "Override the client-facing listen address")
	litePort := flag.Int("lite-port", 0, "Port to serve the lite protocol on, if -listen is not set")
	adnlPort := flag.Int("adnl-port", 0, "Port to serve the adnl protocol on; served on the same listener as lite-port")
	mode := flag.Int("mode", -1, "Override dispatch mode: 0=single-pick, 1=race")
	threads := flag.Int("threads", 0, "GOMAXPROCS override; 0 leaves the runtime default")
	verbosity := flag.Int("verbosity", 2, "Log verbosity; 3 or higher enables debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger.SetVerbosity(*verbosity)
	if *threads > 0 {
		runtime.GOMAXPROCS(*threads)
	}

	cfg, err := loadConfig(*serverConfigPath)
	if err != nil {
		logger.Error("loading config: %v", err)
		os.Exit(2)
	}

	if *dbPath != "" {
		cfg.RateLimit.DBPath = *dbPath
	}
	if *listen != "" {
		cfg.Listen = *listen
	} else if *litePort != 0 {
		cfg.Listen = fmt.Sprintf("0.0.0.0:%d", *litePort)
	}
	if *adnlPort != 0 && *adnlPort != *litePort {
		logger.Info("adnl-port %d requested alongside lite-port %d; both protocols are served on the single configured listener %s", *adnlPort, *litePort, cfg.Listen)
	}
	if *mode >= 0 {
		cfg.Mode = *mode
	}

	if *globalConfigPath != "" {
		entries, err := loadGlobalConfig(*globalConfigPath)
		if err != nil {
			logger.Error("loading global config: %v", err)
			os.Exit(2)
		}
		cfg.Upstreams = append(cfg.Upstreams, entries...)
	}

	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid configuration: %v", err)
		os.Exit(2)
	}

	r, err := router.New(*cfg)
	if err != nil {
		logger.Error("starting router: %v", err)
		os.Exit(2)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go r.Run(ctx)
	go r.ReportLoop(ctx, 60*time.Second)

	if cfg.HTTP.Listen != "" {
		go func() {
			if err := r.HttpServe(ctx, cfg.HTTP.Listen); err != nil {
				logger.Error("http serve: %v", err)
			}
		}()
	}

	go func() {
		if err := r.AcceptLoop(ctx, cfg.Listen); err != nil {
			logger.Error("accept loop: %v", err)
			cancel()
		}
	}()

	<-sigCh
	logger.Info("shutting down...")
	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("shutdown complete")
}

func loadConfig(path string) (*router.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg router.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:3333"
	}
	if cfg.RateLimit.DBPath == "" {
		cfg.RateLimit.DBPath = "liteproxy.db"
	}

	return &cfg, nil
}

func validateConfig(cfg *router.Config) error {
	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required (server-config.upstreams or -global-config)")
	}
	for i, u := range cfg.Upstreams {
		if u.PubKeyHex == "" {
			return fmt.Errorf("upstreams[%d].pubkey is required", i)
		}
		if u.Client.Host == "" {
			return fmt.Errorf("upstreams[%d].client.host is required", i)
		}
	}
	return nil
}

// tonGlobalConfig is the small subset of the TON network's global config
// JSON schema (liteservers + their ed25519 public keys) this proxy reads
// to discover an upstream pool without a bespoke server-config entry per
// lite-server.
type tonGlobalConfig struct {
	LiteServers []struct {
		IP   interface{} `json:"ip"`
		Port int         `json:"port"`
		ID   struct {
			Key string `json:"key"`
		} `json:"id"`
	} `json:"liteservers"`
}

func loadGlobalConfig(path string) ([]router.UpstreamEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading global config: %w", err)
	}
	var gc tonGlobalConfig
	if err := json.Unmarshal(data, &gc); err != nil {
		return nil, fmt.Errorf("parsing global config: %w", err)
	}

	entries := make([]router.UpstreamEntry, 0, len(gc.LiteServers))
	for i, ls := range gc.LiteServers {
		keyBytes, err := base64.StdEncoding.DecodeString(ls.ID.Key)
		if err != nil || len(keyBytes) != 32 {
			return nil, fmt.Errorf("liteservers[%d].id.key: invalid ed25519 key", i)
		}
		host := ipToHost(ls.IP)
		entries = append(entries, router.UpstreamEntry{
			PubKeyHex: fmt.Sprintf("%x", keyBytes),
			Client: struct {
				Host               string `json:"host"`
				Port               int    `json:"port"`
				TLS                bool   `json:"tls"`
				InsecureSkipVerify bool   `json:"insecure_skip_verify"`
				ReadBuf            int    `json:"read_buf"`
				WriteBuf           int    `json:"write_buf"`
				SendTimeoutMs      int    `json:"send_timeout_ms"`
				ProbeTimeoutMs     int    `json:"probe_timeout_ms"`
			}{Host: host, Port: ls.Port},
		})
	}
	return entries, nil
}

// ipToHost renders the global config's packed signed-32-bit IP (the TON
// network's historical encoding) or a plain string address as a host.
func ipToHost(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		n := int64(v)
		if n < 0 {
			n += 1 << 32
		}
		return fmt.Sprintf("%d.%d.%d.%d", (n>>24)&0xff, (n>>16)&0xff, (n>>8)&0xff, n&0xff)
	default:
		return ""
	}
}
