package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"claimledger/middleware"
	"claimledger/observability"
	"claimledger/observability/logging"
	telemetry "claimledger/observability/otel"
	"claimledger/services/claimd"
	"claimledger/services/claimd/auth"
	"claimledger/services/claimd/authz"
	"claimledger/services/claimd/chain"
	"claimledger/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to claimd configuration (YAML or TOML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		log.Fatalf("claimd failed: %v", err)
	}
}

func run(cfgPath string) error {
	cfg, err := claimd.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup(logging.Options{
		Service:    "claimd",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("claimd", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := openStorage(ctx, cfg.Storage)
	cancel()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	metrics := observability.Claims()
	ledger, err := claimd.NewLedger(db,
		claimd.WithReserveTTL(cfg.Reservation.TTL.Duration),
		claimd.WithMaxLiveReservations(*cfg.Reservation.MaxLive),
		claimd.WithLedgerMetrics(metrics),
		claimd.WithLedgerLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	calc, err := claimd.NewCalculator(claimd.NewStoredGameState(db), ledger, uint8(*cfg.Token.Decimals))
	if err != nil {
		return fmt.Errorf("init calculator: %w", err)
	}

	var balance claimd.BalanceReader
	if cfg.Pool.RPCEndpoint != "" {
		client, err := chain.Dial(cfg.Pool.RPCEndpoint)
		if err != nil {
			return fmt.Errorf("dial pool rpc: %w", err)
		}
		defer client.Close()
		reader, err := chain.NewPoolReader(client, cfg.Pool.TokenAddress, cfg.Pool.PoolAddress)
		if err != nil {
			return fmt.Errorf("init pool reader: %w", err)
		}
		balance = claimd.NewPoolCache(reader, cfg.Pool.CacheTTL.Duration, nil, metrics)
	} else {
		logger.Warn("pool rpc endpoint not configured; claims are not capped to the pool balance")
	}

	authenticator, sessions, err := buildAuth(cfg.Auth, db, metrics, logger)
	if err != nil {
		return err
	}
	signer, err := buildSigner(cfg.Signer)
	if err != nil {
		return err
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "claimd",
		MetricsPrefix: "claimd",
		LogRequests:   strings.EqualFold(cfg.Logging.Level, "debug"),
	}, logger)
	server, err := claimd.NewServer(claimd.ServerConfig{
		Ledger:     ledger,
		Calculator: calc,
		Capper:     claimd.NewPoolCapper(balance, ledger, logger),
		Auth:       authenticator,
		Sessions:   sessions,
		Signer:     signer,
		CampaignID: cfg.Signer.Campaign(),
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Observability: obs,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      otelhttp.NewHandler(server, "claimd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("claimd listening", "addr", cfg.Listen, "storage", cfg.Storage.Driver, "nonce_mode", cfg.Auth.NonceMode)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openStorage(ctx context.Context, cfg claimd.StorageConfig) (storage.Database, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemDB(), nil
	case "redis":
		return storage.NewRedisDB(ctx, storage.RedisConfig{
			Addr:       cfg.Addr,
			Username:   cfg.Username,
			Password:   cfg.Password,
			DB:         cfg.DB,
			KeyPrefix:  cfg.KeyPrefix,
			MaxRetries: cfg.MaxRetries,
		})
	case "leveldb":
		return storage.NewLevelDB(cfg.Path)
	case "sql":
		return storage.NewSQLDB(storage.SQLConfig{
			Driver:     cfg.SQLDriver,
			DSN:        cfg.DSN,
			MaxRetries: cfg.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// buildAuth returns nil components when no session secret is configured; the
// sign-in and session endpoints then answer 503.
func buildAuth(cfg claimd.AuthConfig, db storage.Database, metrics *observability.ClaimMetrics, logger *slog.Logger) (*auth.Authenticator, *auth.Sessions, error) {
	if cfg.SessionSecret == "" {
		logger.Warn("session secret not configured; sign-in is disabled")
		return nil, nil, nil
	}
	secret := []byte(cfg.SessionSecret)
	sessions, err := auth.NewSessions(secret, auth.SessionOptions{
		CookieName: cfg.CookieName,
		MaxAge:     cfg.CookieMaxAge.Duration,
		Secure:     cfg.CookieSecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init sessions: %w", err)
	}
	var nonces auth.NonceIssuer
	switch cfg.NonceMode {
	case "stored":
		nonces, err = auth.NewStoredNonces(db, cfg.NonceTTL.Duration, nil)
	default:
		nonces, err = auth.NewStatelessNonces(secret, cfg.NonceTTL.Duration, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("init nonces: %w", err)
	}
	verifier := &auth.Verifier{Domain: cfg.Domain, ChainID: cfg.ChainID}
	return auth.NewAuthenticator(nonces, verifier, metrics, logger), sessions, nil
}

func buildSigner(cfg claimd.SignerConfig) (*authz.Signer, error) {
	if cfg.PrivateKey == "" {
		return nil, nil
	}
	if !common.IsHexAddress(cfg.VerifyingContract) {
		return nil, fmt.Errorf("signer: invalid verifying contract %q", cfg.VerifyingContract)
	}
	signer, err := authz.NewSigner(cfg.PrivateKey, authz.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
	})
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	return signer, nil
}
