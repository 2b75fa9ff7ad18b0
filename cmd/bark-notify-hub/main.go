package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bark-labs/bark-notify-hub/internal/barkclient"
	"github.com/bark-labs/bark-notify-hub/internal/clock"
	"github.com/bark-labs/bark-notify-hub/internal/config"
	"github.com/bark-labs/bark-notify-hub/internal/delivery"
	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/engine"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/postpone"
	"github.com/bark-labs/bark-notify-hub/internal/push"
	"github.com/bark-labs/bark-notify-hub/internal/push/fcm"
	"github.com/bark-labs/bark-notify-hub/internal/reschedule"
	"github.com/bark-labs/bark-notify-hub/internal/server"
	"github.com/bark-labs/bark-notify-hub/internal/service"
	"github.com/bark-labs/bark-notify-hub/internal/session"
	"github.com/bark-labs/bark-notify-hub/internal/storage/bolt"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logx.New(logx.Config{}).Error("load config", logx.Err(err))
		os.Exit(1)
	}
	log := logx.New(logx.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})

	if err := run(cfg, log); err != nil {
		log.Error("notify hub stopped", logx.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logx.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bolt.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	router := push.NewRouter()
	var barkClient *barkclient.Client
	if cfg.Bark.Enabled {
		barkClient, err = barkclient.New(cfg.Bark.BaseURL, cfg.Bark.Token, cfg.Bark.RequestTimeout)
		if err != nil {
			return err
		}
		router.Handle(push.NewBark(barkClient), model.PlatformBark)
	}
	if cfg.FCM.Enabled {
		fcmClient, err := fcm.NewClient(ctx, cfg.FCM.CredentialsFile, log)
		if err != nil {
			return err
		}
		router.Handle(fcmClient, model.PlatformIOS, model.PlatformAndroid, model.PlatformWeb)
	}
	log.Info("push transports ready", logx.Any("platforms", router.Platforms()))

	clk := clock.Real{}
	sessions := session.NewRegistry(32)
	dispatcher := dispatch.New(store,
		push.NewLimited(router, cfg.Push.RatePerSec, cfg.Push.Burst),
		sessions,
		dispatch.Config{Workers: cfg.Push.Workers, Timeout: cfg.Push.Timeout},
		log)

	eng := engine.New(engine.Deps{
		Store:       store,
		Permissions: store,
		Machine:     delivery.New(store, clk, log),
		Ledger:      postpone.New(store, clk, log),
		Dispatcher:  dispatcher,
		Events:      sessions,
		Clock:       clk,
		Log:         log,
	}, engine.Options{
		Location: cfg.Location(),
		Workers:  cfg.Engine.Workers,
		Sweep:    reschedule.Config{Spec: cfg.Engine.SweepSpec, Workers: cfg.Engine.Workers},
	})
	if err := eng.Restore(ctx); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	var registrar service.Registrar
	var pinger server.Pinger
	if barkClient != nil {
		registrar, pinger = barkClient, barkClient
	}
	deviceSvc := service.NewDeviceService(store, registrar).WithKeyBytes(cfg.Crypto.KeyBytes)
	srv := server.New(cfg, server.Deps{
		Engine:               eng,
		Store:                store,
		Devices:              deviceSvc,
		Logs:                 service.NewDeliveryLogService(store, deviceSvc),
		Auth:                 service.NewAuthService(cfg),
		Sessions:             sessions,
		Bark:                 pinger,
		Log:                  log,
		DefaultSnoozeMinutes: cfg.Engine.DefaultSnoozeMinutes,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", logx.String("addr", cfg.HTTP.Addr))
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
