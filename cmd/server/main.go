package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/simaogato/payrecon-backend/internal/adapter/coingecko"
	grpcadapter "github.com/simaogato/payrecon-backend/internal/adapter/grpc"
	"github.com/simaogato/payrecon-backend/internal/adapter/httpapi"
	"github.com/simaogato/payrecon-backend/internal/adapter/ledgersim"
	"github.com/simaogato/payrecon-backend/internal/adapter/notify"
	"github.com/simaogato/payrecon-backend/internal/adapter/repository/memory"
	"github.com/simaogato/payrecon-backend/internal/adapter/repository/postgres"
	"github.com/simaogato/payrecon-backend/internal/adapter/solanarpc"
	"github.com/simaogato/payrecon-backend/internal/backoff"
	"github.com/simaogato/payrecon-backend/internal/clock"
	"github.com/simaogato/payrecon-backend/internal/config"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/usecase/allocator"
	"github.com/simaogato/payrecon-backend/internal/usecase/balance"
	"github.com/simaogato/payrecon-backend/internal/usecase/checkout"
	"github.com/simaogato/payrecon-backend/internal/usecase/compensation"
	"github.com/simaogato/payrecon-backend/internal/usecase/forwarder"
	"github.com/simaogato/payrecon-backend/internal/usecase/matcher"
	"github.com/simaogato/payrecon-backend/internal/usecase/payment"
	"github.com/simaogato/payrecon-backend/internal/usecase/pricing"
	"github.com/simaogato/payrecon-backend/internal/usecase/recovery"
	"github.com/simaogato/payrecon-backend/internal/usecase/report"
)

// stores groups the persistence ports chosen by STORE_DRIVER
type stores struct {
	intents       domain.PaymentIntentRepository
	records       domain.ForwardRecordRepository
	compensations domain.CompensationRepository
	inventory     domain.Inventory
	forwardLock   domain.ForwardLock
	close         func()
}

// chain groups the ledger ports chosen by LEDGER_DRIVER
type chain struct {
	ledger domain.Ledger
	sender domain.TransferSender
}

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Storage
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.close()

	// 3. Ledger
	ch, err := openChain(cfg, logger)
	if err != nil {
		logger.Error("failed to set up ledger", "driver", cfg.LedgerDriver, "error", err)
		os.Exit(1)
	}

	// 4. Services (use cases)
	realClock := clock.Real{}
	var notifier domain.Notifier = notify.NewLog(logger)
	if cfg.TelegramBotToken != "" {
		notifier = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
	}

	window := domain.AcceptanceWindow{Before: cfg.MatchWindowBefore, After: cfg.MatchWindowAfter}
	guard := balance.NewGuardService(ch.ledger, notifier, realClock, cfg.AlertCooldown, logger)

	fwdCfg := forwarder.DefaultConfig()
	fwdCfg.NetworkFee = cfg.NetworkFee
	fwdCfg.LockWait = cfg.ForwardLockWait
	fwdCfg.ConfirmTimeout = cfg.ForwardConfirmTimeout
	fwdCfg.ResendAfter = cfg.ForwardResendAfter
	forwarderService := forwarder.NewForwarderService(st.intents, st.records, st.forwardLock, guard,
		ch.sender, ch.ledger, realClock, fwdCfg, logger)

	machine := payment.NewStateMachineService(st.intents, st.records, st.compensations, st.inventory,
		forwarderService, notifier, realClock, payment.Config{
			LockTTL:             cfg.LockTTL,
			StuckTimeout:        cfg.StuckTimeout,
			MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
			Window:              window,
		}, logger)

	matcherService := matcher.NewMatcherService(st.intents, ch.ledger, machine, window, matcher.DefaultBackoff(), logger)

	oracle := pricing.NewOracleService(coingecko.NewSource(cfg.CoinGeckoURL), cfg.PriceCacheTTL, realClock, logger)
	wallets := domain.PayoutWallets{Wallet1: cfg.Wallet1, Wallet2: cfg.Wallet2, Middleman: cfg.Middleman}
	checkoutService := checkout.NewCheckoutService(st.intents, st.inventory, oracle,
		allocator.NewAllocator(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())), allocator.DefaultMinOffset, allocator.DefaultMaxOffset),
		realClock, checkout.Config{
			Wallets:           wallets,
			SplitFirstPercent: cfg.SplitFirstPercent,
			FixedFee:          cfg.ForwardFixedFee,
			SafetyMargin:      cfg.ForwardSafetyMargin,
			Tolerance:         cfg.MatchTolerance,
			Expiry:            cfg.PaymentExpiry,
			MinAmount:         cfg.MinPaymentAmount,
			PriceBuffer:       cfg.PriceBuffer,
			AllocateAttempts:  3,
		}, logger)

	scheduler := recovery.NewSchedulerService(st.intents, machine, guard,
		[]string{cfg.Middleman}, cfg.BalanceFloor, realClock, logger)
	dispatcher := compensation.NewDispatcherService(st.compensations, st.intents, notifier, realClock, logger)
	summaryService := report.NewSummaryService(st.intents, st.compensations)

	// 5. Background workers
	var workers sync.WaitGroup
	runWorker := func(name string, run func(ctx context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			logger.Info("worker started", "worker", name)
			run(ctx)
			logger.Info("worker stopped", "worker", name)
		}()
	}
	runWorker("matcher", func(ctx context.Context) { matcherService.Run(ctx, cfg.PollInterval) })
	runWorker("recovery", func(ctx context.Context) { scheduler.Run(ctx, cfg.RecoveryInterval) })
	runWorker("compensation", func(ctx context.Context) { dispatcher.Run(ctx, cfg.DispatchInterval) })

	// 6. gRPC server with auth and request logging
	grpcServer := grpclib.NewServer(
		grpclib.ChainUnaryInterceptor(
			grpcadapter.LoggingInterceptor(logger),
			grpcadapter.AuthInterceptor(cfg.APIToken),
		),
	)
	grpcadapter.RegisterPaymentServiceServer(grpcServer,
		grpcadapter.NewServer(checkoutService, machine, matcherService, summaryService))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", "error", err)
			stop()
		}
	}()

	// 7. HTTP ops surface
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewHandler(st.intents, summaryService, cfg.APIToken, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", "error", err)
			stop()
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("shutting down gracefully")

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	grpcServer.GracefulStop()
	workers.Wait()
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		return &stores{
			intents:       memory.NewPaymentIntentRepository(),
			records:       memory.NewForwardRecordRepository(),
			compensations: memory.NewCompensationRepository(),
			inventory:     memory.NewInventory(cfg.InventorySeed),
			forwardLock:   memory.NewForwardLock(),
			close:         func() {},
		}, nil
	}

	// Postgres may still be starting next to us
	var db *postgres.DB
	connect := backoff.Policy{Retries: 5, Base: time.Second, Max: 10 * time.Second}
	err := connect.Do(ctx, func(ctx context.Context) error {
		var err error
		db, err = postgres.NewDB(cfg.DBConnStr)
		if err != nil {
			logger.Warn("database not ready", "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	inventory := postgres.NewInventory(db)
	if len(cfg.InventorySeed) > 0 {
		if err := inventory.Seed(ctx, cfg.InventorySeed); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &stores{
		intents:       postgres.NewPaymentIntentRepository(db),
		records:       postgres.NewForwardRecordRepository(db),
		compensations: postgres.NewCompensationRepository(db),
		inventory:     inventory,
		forwardLock:   postgres.NewForwardLock(db),
		close:         func() { db.Close() },
	}, nil
}

func openChain(cfg *config.Config, logger *slog.Logger) (*chain, error) {
	if cfg.LedgerDriver == config.LedgerDriverSim {
		logger.Warn("using simulated ledger; no funds move")
		sim := ledgersim.New(cfg.Middleman, cfg.NetworkFee)
		return &chain{ledger: sim, sender: sim}, nil
	}

	sender, err := solanarpc.NewSender(cfg.SolanaRPCURL, cfg.MiddlemanPrivateKey, logger)
	if err != nil {
		return nil, err
	}
	if sender.Address() != cfg.Middleman {
		return nil, errors.New("SOL_MIDDLEMAN_PRIVATE_KEY does not belong to SOL_MIDDLEMAN_ADDRESS")
	}
	return &chain{ledger: solanarpc.NewLedger(cfg.SolanaRPCURL, logger), sender: sender}, nil
}
