package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"nutwallet/clients/mintapi"
	"nutwallet/clients/relay"
	"nutwallet/cmd/internal/passphrase"
	"nutwallet/identity"
	"nutwallet/issuer"
	"nutwallet/observability"
	"nutwallet/observability/logging"
	telemetry "nutwallet/observability/otel"
	"nutwallet/publisher"
	"nutwallet/quotes"
	"nutwallet/services/walletd/config"
	"nutwallet/services/walletd/server"
	"nutwallet/services/walletd/storage"
	kv "nutwallet/storage"
	"nutwallet/wallet"
)

type recipientList []string

func (r *recipientList) String() string { return strings.Join(*r, ",") }

func (r *recipientList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var (
		cfgPath      string
		exportPath   string
		importPath   string
		restoreOnRun bool
		recipients   recipientList
	)
	flag.StringVar(&cfgPath, "config", "services/walletd/config.yaml", "path to walletd configuration file")
	flag.StringVar(&exportPath, "export-backup", "", "write an age sealed backup of the wallet key to this path and exit")
	flag.StringVar(&importPath, "import-backup", "", "restore the wallet key file from an age sealed backup and exit")
	flag.Var(&recipients, "backup-recipient", "age recipient for -export-backup instead of a passphrase (repeatable)")
	flag.BoolVar(&restoreOnRun, "restore", false, "rebuild the ledger from the event log before serving")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("walletd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("NUTWALLET_ENV"))
	logger, closeLogs := logging.SetupWith(logging.Options{
		Service:    "walletd",
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer func() { _ = closeLogs() }()

	keyPass := passphrase.NewSource(cfg.Identity.PassphraseEnv, "wallet key")
	if importPath != "" {
		if err := importBackup(importPath, cfg.Identity.KeyFile, keyPass); err != nil {
			log.Fatalf("walletd: import backup: %v", err)
		}
		logger.Info("wallet key restored from backup", slog.String("key_file", cfg.Identity.KeyFile))
		return
	}
	key, err := openKey(cfg.Identity, keyPass)
	if err != nil {
		log.Fatalf("walletd: open wallet key: %v", err)
	}
	if exportPath != "" {
		if err := exportBackup(exportPath, key, recipients); err != nil {
			log.Fatalf("walletd: export backup: %v", err)
		}
		logger.Info("wallet key backup written", slog.String("path", exportPath))
		return
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(env, key.PublicKey()))
	if err != nil {
		log.Fatalf("walletd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("walletd: open storage: %v", err)
	}
	defer store.Close()

	keysetDB, err := kv.NewLevelDB(cfg.KeysetCache)
	if err != nil {
		log.Fatalf("walletd: open keyset cache: %v", err)
	}
	defer keysetDB.Close()

	pool, err := relay.New(relay.Config{
		Relays:       cfg.Relays,
		FetchTimeout: cfg.Publisher.FetchTimeout.Duration,
	}, relay.WithLogger(logger.With(slog.String("component", "relay"))))
	if err != nil {
		log.Fatalf("walletd: relay pool: %v", err)
	}
	defer pool.Close()

	client := mintapi.New(mintapi.Config{
		Timeout:           cfg.Client.Timeout.Duration,
		MeltTimeout:       cfg.Client.MeltTimeout.Duration,
		RequestsPerSecond: cfg.Client.RequestsPerSecond,
		Burst:             cfg.Client.Burst,
		UserAgent:         "nutwallet-walletd",
	}, mintapi.WithLogger(logger.With(slog.String("component", "mintapi"))))

	w, err := wallet.New(wallet.Options{
		Client:        client,
		Log:           pool,
		Identity:      key,
		KeysetStore:   issuer.NewKeysetStore(keysetDB),
		QuoteStore:    store,
		TransferStore: store,
		QueueStore:    store,
		CacheTTL:      cfg.Client.CacheTTL.Duration,
		Wait: quotes.WaitOptions{
			PollInterval: cfg.Quotes.PollInterval.Duration,
			MaxPolls:     cfg.Quotes.MaxPolls,
			Inactivity:   cfg.Quotes.Inactivity.Duration,
		},
		TransferPoll:    cfg.Transfer.PollInterval.Duration,
		TransferTimeout: cfg.Transfer.Timeout.Duration,
		PublishPolicy: publisher.Policy{
			BaseBackoff: cfg.Publisher.BaseBackoff.Duration,
			MaxBackoff:  cfg.Publisher.MaxBackoff.Duration,
			MaxAttempts: cfg.Publisher.MaxAttempts,
			MaxAge:      cfg.Publisher.MaxAge.Duration,
		},
		SweepInterval: cfg.Sweep.Interval.Duration,
		SweepGrace:    cfg.Sweep.Grace.Duration,
		Logger:        logger,
		Metrics:       observability.Wallet(),
	})
	if err != nil {
		log.Fatalf("walletd: build wallet: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Wallet:        w,
		Queue:         w.Publisher(),
		Sweeper:       w.Sweeper(),
		Auth: server.AuthConfig{
			HMACSecret: cfg.Admin.JWTSecret,
			Issuer:     cfg.Admin.Issuer,
			Audience:   cfg.Admin.Audience,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.Admin.RequestsPerMinute,
			Burst:             cfg.Admin.Burst,
		},
		Mints:  cfg.MintURLs(),
		Logger: logger.With(slog.String("component", "server")),
	})
	if err != nil {
		log.Fatalf("walletd: build server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if restoreOnRun {
		report, err := w.Restore(ctx)
		if err != nil {
			log.Fatalf("walletd: restore: %v", err)
		}
		logger.Info("ledger restored from event log",
			slog.Int("events", report.Events),
			slog.Uint64("amount", report.Amount),
			slog.Uint64("spent", report.Spent))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			errCh <- fmt.Errorf("wallet: %w", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("server: %w", err)
			stop()
		}
	}()
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		log.Fatalf("walletd: %v", err)
	}
	logger.Info("walletd stopped")
}

func openKey(cfg config.IdentityConfig, pass *passphrase.Source) (*identity.LocalKey, error) {
	secret, err := pass.Get()
	if err != nil {
		return nil, err
	}
	if cfg.Create {
		key, created, err := identity.LoadOrCreateKeystore(cfg.KeyFile, secret, identity.StandardKeystore)
		if err != nil {
			return nil, err
		}
		if created {
			slog.Warn("generated new wallet key; export a backup before funding it",
				slog.String("key_file", cfg.KeyFile),
				slog.String("pubkey", key.PublicKey()))
		}
		return key, nil
	}
	return identity.LoadKeystore(cfg.KeyFile, secret)
}

func exportBackup(path string, key *identity.LocalKey, recipients []string) error {
	opts := identity.BackupOptions{Recipients: recipients}
	if len(recipients) == 0 {
		secret, err := passphrase.NewSource("WALLETD_BACKUP_PASSPHRASE", "backup").Get()
		if err != nil {
			return err
		}
		opts.Passphrase = secret
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := identity.ExportBackup(file, key, opts); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}

func importBackup(path, keyFile string, keyPass *passphrase.Source) error {
	if _, err := os.Stat(keyFile); err == nil {
		return fmt.Errorf("key file %s already exists", keyFile)
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	var secretKeys []string
	if raw := strings.TrimSpace(os.Getenv("WALLETD_BACKUP_IDENTITY")); raw != "" {
		secretKeys = append(secretKeys, raw)
	}
	backupPass := ""
	if len(secretKeys) == 0 {
		if backupPass, err = passphrase.NewSource("WALLETD_BACKUP_PASSPHRASE", "backup").Get(); err != nil {
			return err
		}
	}
	key, err := identity.ImportBackup(file, backupPass, secretKeys...)
	if err != nil {
		return err
	}
	secret, err := keyPass.Get()
	if err != nil {
		return err
	}
	return identity.SaveKeystore(keyFile, key, secret, identity.StandardKeystore)
}

func telemetryConfig(env, walletID string) telemetry.Config {
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	return telemetry.Config{
		ServiceName: "walletd",
		Environment: env,
		WalletID:    walletID,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     endpoint != "",
		Traces:      endpoint != "",
	}
}
