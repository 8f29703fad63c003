package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/modelstream/mcp-resume-go/auth"
	"github.com/modelstream/mcp-resume-go/auth/authtest"
	"github.com/modelstream/mcp-resume-go/auth/jwtauth"
	"github.com/modelstream/mcp-resume-go/eventstore"
	esmemory "github.com/modelstream/mcp-resume-go/eventstore/memory"
	esredis "github.com/modelstream/mcp-resume-go/eventstore/redis"
	"github.com/modelstream/mcp-resume-go/mcp"
	"github.com/modelstream/mcp-resume-go/service"
	"github.com/modelstream/mcp-resume-go/sessions"
	"github.com/modelstream/mcp-resume-go/sessions/memoryhost"
	"github.com/modelstream/mcp-resume-go/sessions/redishost"
	"github.com/modelstream/mcp-resume-go/streamablehttp"
)

var serveFlags struct {
	listenAddr   string
	endpoint     string
	backend      string
	retention    time.Duration
	sessionTTL   time.Duration
	maxEvents    int
	replayPolicy string
	keepAlive    time.Duration
	logLevel     string

	jwksURI   string
	issuer    string
	audiences []string
	noAuth    bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transport server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listenAddr, "listen", ":8080", "address to listen on")
	f.StringVar(&serveFlags.endpoint, "endpoint", "http://localhost:8080/mcp", "public endpoint URL clients connect to")
	f.StringVar(&serveFlags.backend, "backend", "memory", "storage backend: memory or redis (redis reads REDIS_ADDR and friends from the environment)")
	f.DurationVar(&serveFlags.retention, "retention", 30*time.Minute, "how long a suspended session and its buffered events survive")
	f.DurationVar(&serveFlags.sessionTTL, "session-ttl", 24*time.Hour, "maximum lifetime of an active session")
	f.IntVar(&serveFlags.maxEvents, "max-events", 1024, "per-session buffered event cap (memory backend)")
	f.StringVar(&serveFlags.replayPolicy, "replay-policy", "strict", "resumption replay policy: strict or cross-stream")
	f.DurationVar(&serveFlags.keepAlive, "keep-alive", 25*time.Second, "interval between SSE keep-alive comments, 0 disables")
	f.StringVar(&serveFlags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	f.StringVar(&serveFlags.jwksURI, "jwks-uri", "", "JWKS endpoint for JWT access token validation")
	f.StringVar(&serveFlags.issuer, "issuer", "", "required token issuer")
	f.StringSliceVar(&serveFlags.audiences, "audience", nil, "accepted token audiences (first is primary)")
	f.BoolVar(&serveFlags.noAuth, "insecure-no-auth", false, "accept every request without credentials (development only)")

	rootCmd.AddCommand(serveCmd)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildAuthenticator(ctx context.Context) (auth.Authenticator, error) {
	if serveFlags.noAuth {
		return authtest.NewNoAuth("anonymous"), nil
	}
	if serveFlags.jwksURI == "" {
		return nil, errors.New("either --jwks-uri or --insecure-no-auth is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = serveFlags.issuer
	cfg.ExpectedAudiences = serveFlags.audiences
	if len(cfg.ExpectedAudiences) == 0 {
		cfg.ExpectedAudiences = []string{serveFlags.endpoint}
	}
	return jwtauth.New(ctx, cfg, serveFlags.jwksURI)
}

func buildBackend() (eventstore.Store, sessions.Host, func(), error) {
	switch serveFlags.backend {
	case "memory":
		store := esmemory.New(
			esmemory.WithMaxSessionEvents(serveFlags.maxEvents),
			esmemory.WithRetention(serveFlags.retention),
		)
		return store, memoryhost.New(), func() {}, nil
	case "redis":
		store, err := esredis.NewFromEnv()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis event store: %w", err)
		}
		host, err := redishost.NewFromEnv()
		if err != nil {
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("redis session host: %w", err)
		}
		return store, host, func() { _ = store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", serveFlags.backend)
	}
}

func parseReplayPolicy(s string) (eventstore.ReplayPolicy, error) {
	switch s {
	case "strict":
		return eventstore.ReplayStrict, nil
	case "cross-stream":
		return eventstore.ReplayCrossStream, nil
	default:
		return 0, fmt.Errorf("unknown replay policy %q", s)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(serveFlags.logLevel)
	slog.SetDefault(log)

	policy, err := parseReplayPolicy(serveFlags.replayPolicy)
	if err != nil {
		return err
	}

	authenticator, err := buildAuthenticator(ctx)
	if err != nil {
		return err
	}

	store, host, closeBackend, err := buildBackend()
	if err != nil {
		return err
	}
	defer closeBackend()

	mgr := sessions.NewManager(host, store,
		sessions.WithLogger(log),
		sessions.WithRetention(serveFlags.retention),
		sessions.WithSessionTTL(serveFlags.sessionTTL),
		sessions.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-resume", Version: "dev"}),
	)

	registry := service.NewRegistry()

	handler, err := streamablehttp.New(serveFlags.endpoint, mgr, store, registry, authenticator,
		streamablehttp.WithLogger(log),
		streamablehttp.WithReplayPolicy(policy),
		streamablehttp.WithKeepAliveInterval(serveFlags.keepAlive),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              serveFlags.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server.listen", slog.String("addr", serveFlags.listenAddr), slog.String("endpoint", serveFlags.endpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Session sweeper: reclaims abandoned handshakes and expired
		// suspensions.
		return mgr.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server.stopped")
	return nil
}
