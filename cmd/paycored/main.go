package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/chain"
	"github.com/agentmesh/paycore/config"
	"github.com/agentmesh/paycore/executor"
	paymenthttp "github.com/agentmesh/paycore/http"
	"github.com/agentmesh/paycore/ledger"
	"github.com/agentmesh/paycore/logging"
	"github.com/agentmesh/paycore/metrics"
	"github.com/agentmesh/paycore/monitor"
	"github.com/agentmesh/paycore/oracle"
	"github.com/agentmesh/paycore/signer"
	"github.com/agentmesh/paycore/signer/svm"
	"github.com/agentmesh/paycore/store"
	"github.com/agentmesh/paycore/store/memory"
	"github.com/agentmesh/paycore/store/postgres"
)

func main() {
	logger := logging.NewLoggerWithService("paycored")
	config.LoadEnv(logger)

	logger.Info("Starting paycored settlement service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcURL := config.GetEnv("SOLANA_RPC_URL", "https://api.devnet.solana.com")
	commitment := chain.CommitmentConfirmed
	if config.GetEnv("COMMITMENT", "confirmed") == "finalized" {
		commitment = chain.CommitmentFinalized
	}
	treasury := config.RequireEnv("TREASURY_ADDRESS")

	serviceCfg := paycore.ServiceConfig{
		ServiceID:       config.GetEnv("SERVICE_ID", "paycore"),
		BasePriceCents:  config.GetEnvInt64("BASE_PRICE_CENTS", 25),
		Currency:        "USD",
		MinPaymentCents: config.GetEnvInt64("MIN_PAYMENT_CENTS", 10),
		MaxSessionCents: config.GetEnvInt64("MAX_SESSION_CENTS", 100_000),
	}

	var st store.Store
	if dbURL := config.GetEnv("DATABASE_URL", ""); dbURL != "" {
		pg, err := postgres.Connect(ctx, postgres.DefaultConfig(dbURL))
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer pg.Close()
		st = pg
		logger.Info("Using PostgreSQL store")
	} else {
		st = memory.New()
		logger.Warn("DATABASE_URL not set, settlement state is in-memory and volatile")
	}

	client := chain.NewRPCClient(rpcURL, commitment)
	collector := metrics.NewCollector("paycored")

	var primary oracle.Feed
	if account := config.GetEnv("PYTH_PRICE_ACCOUNT", ""); account != "" {
		pub, err := solana.PublicKeyFromBase58(account)
		if err != nil {
			logger.WithError(err).Fatal("Invalid PYTH_PRICE_ACCOUNT")
		}
		primary = oracle.NewPythFeed(client, pub)
	}

	oracleOpts := []oracle.Option{
		oracle.WithLogger(logger),
		oracle.WithCacheTTL(config.GetEnvDuration("ORACLE_CACHE_TTL", 30*time.Second)),
	}
	if raw := config.GetEnv("ORACLE_DEFAULT_RATE", ""); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate <= 0 {
			logger.WithField("value", raw).Fatal("Invalid ORACLE_DEFAULT_RATE")
		}
		oracleOpts = append(oracleOpts, oracle.WithDefaultRate(rate))
	}
	priceOracle := oracle.New(primary, oracle.NewDefaultHTTPFeed(), oracleOpts...)

	mon := monitor.New(client, st,
		monitor.WithLogger(logger),
		monitor.WithMetrics(collector),
		monitor.WithCommitment(commitment),
	)
	go mon.Run(ctx)

	exec := executor.New(client, st, mon,
		executor.WithLogger(logger),
		executor.WithMetrics(collector),
	)

	localCap := loadLocalSigner(logger)

	sessionOpts := []ledger.SessionOption{
		ledger.WithSessionLogger(logger),
		ledger.WithSessionMetrics(collector),
	}
	creditOpts := []ledger.CreditOption{
		ledger.WithCreditLogger(logger),
		ledger.WithCreditMetrics(collector),
	}
	if localCap != nil {
		provider := func(owner string) (*signer.Capability, bool) {
			if owner == localCap.Address {
				return localCap, true
			}
			return nil, false
		}
		sessionOpts = append(sessionOpts, ledger.WithRenewalProvider(provider))
		creditOpts = append(creditOpts, ledger.WithTopupProvider(provider))
	}

	sessions := ledger.NewSessionLedger(st, priceOracle, exec, serviceCfg, treasury, sessionOpts...)
	credits := ledger.NewCreditLedger(st, priceOracle, exec, serviceCfg, treasury, creditOpts...)

	apiOpts := []paymenthttp.APIOption{paymenthttp.WithAPILogger(logger)}
	if localCap != nil {
		apiOpts = append(apiOpts, paymenthttp.WithLocalSigner(localCap))
	}
	api := paymenthttp.NewAPI(sessions, credits, st, apiOpts...)

	verifier := paymenthttp.NewTransferVerifier(st, mon, treasury,
		paymenthttp.WithVerifierLogger(logger),
		paymenthttp.WithVerifierCommitment(commitment),
	)
	paymentCfg := &paymenthttp.Config{
		Service:  serviceCfg,
		PayTo:    treasury,
		Sessions: sessions,
		Proofs:   verifier,
		Logger:   logger,
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", collector.Handler())
	router.Mount("/v1", api.Routes())

	// Payment-gated probe endpoint; charges one base price per call.
	router.Group(func(r chi.Router) {
		r.Use(paymenthttp.NewPaymentMiddleware(paymentCfg))
		r.Get("/paid/ping", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("pong"))
		})
	})

	srv := &http.Server{
		Addr:    ":" + config.GetEnv("PORT", "8080"),
		Handler: router,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	logger.Info("Shutdown complete")
}

// loadLocalSigner builds the server-side signer capability from the
// environment, if one is configured. The capability funds sessions and
// top-ups requested through the API and backs auto-renewal.
func loadLocalSigner(logger logging.Logger) *signer.Capability {
	var opts []svm.SignerOption
	switch {
	case config.GetEnv("SIGNER_PRIVATE_KEY", "") != "":
		opts = append(opts, svm.WithPrivateKey(config.GetEnv("SIGNER_PRIVATE_KEY", "")))
	case config.GetEnv("SIGNER_KEYGEN_FILE", "") != "":
		opts = append(opts, svm.WithKeygenFile(config.GetEnv("SIGNER_KEYGEN_FILE", "")))
	case config.GetEnv("SIGNER_MNEMONIC", "") != "":
		opts = append(opts, svm.WithMnemonic(config.GetEnv("SIGNER_MNEMONIC", ""), config.GetEnv("SIGNER_PASSPHRASE", "")))
	default:
		logger.Info("No local signer configured, funding endpoints disabled")
		return nil
	}

	s, err := svm.NewSigner(opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load local signer")
	}
	cap, err := s.Capability()
	if err != nil {
		logger.WithError(err).Fatal("Failed to build signer capability")
	}
	logger.WithField("address", cap.Address).Info("Local signer loaded")
	return cap
}
