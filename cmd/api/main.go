package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ecobank/hivemint/internal/api"
	"github.com/ecobank/hivemint/internal/config"
	"github.com/ecobank/hivemint/internal/hive"
	"github.com/ecobank/hivemint/internal/ids"
	"github.com/ecobank/hivemint/internal/logging"
	"github.com/ecobank/hivemint/internal/paypal"
	"github.com/ecobank/hivemint/internal/service"
	"github.com/ecobank/hivemint/internal/store"
	"github.com/ecobank/hivemint/internal/vault"
)

func main() {
	log, err := logging.Init()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := ids.SetNode(cfg.SnowflakeNode); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBSource)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		return err
	}

	chain, err := hive.NewClient(hive.ClientConfig{
		NodeURL:    cfg.HiveNodeURL,
		ChainID:    cfg.HiveChainID,
		Prefix:     cfg.HiveAddressPrefix,
		Claimer:    cfg.ClaimerAccount,
		ClaimerWIF: cfg.ClaimerActiveWIF,
		Timeout:    cfg.ChainCallTimeout,
	})
	if err != nil {
		return err
	}

	processor := paypal.NewClient(cfg.PayPalAPIBase, cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.PayPalWebhookID)

	reconciler := service.NewReconciler(st, processor, cfg.CreditPriceUSD, log)
	provisioner := service.NewProvisioner(st, chain, v, cfg.DelegationHP, cfg.ProvisionAttempts, log)
	coordinator := service.NewCoordinator(st, chain, provisioner, cfg.ReservationMaxAge, log)

	go coordinator.RunSweeper(ctx, cfg.SweepInterval)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	api.NewHandler(st, reconciler, coordinator, v, log).Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // account creation waits on chain calls
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("node", cfg.HiveNodeURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
