// cxdownload runs the download scheduler as a service with an HTTP control API
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itenfay/cxdownload/internal/config"
	"github.com/itenfay/cxdownload/internal/download"
	"github.com/itenfay/cxdownload/internal/logger"
	"github.com/itenfay/cxdownload/internal/notify"
	"github.com/itenfay/cxdownload/internal/server"
	"github.com/itenfay/cxdownload/internal/shutdown"
	"github.com/itenfay/cxdownload/internal/storage"
	"github.com/itenfay/cxdownload/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().FullString())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "cxdownload: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var configMgr *config.Manager
	if configPath != "" {
		configMgr = config.NewManagerWithPath(configPath)
	} else {
		configMgr = config.NewManager()
	}

	cfg, err := configMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.InitLogger(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logger: %v\n", err)
	}

	logger.Infof("cxdownload %s starting", version.Get().String())
	logger.Infof("Config file: %s", configMgr.GetConfigPath())

	storeMgr, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	bus := notify.NewBus()
	bus.Start()

	scheduler := download.NewScheduler(download.ConfigFrom(cfg), storeMgr.GetStore(), bus)
	scheduler.OnCellularAccessDenied(func() {
		logger.Warnf("Downloads are waiting: %s without cellular access", download.ReachabilityViaWWAN)
	})

	shutdownMgr := shutdown.NewManager(15 * time.Second)

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.NewServer(server.ConfigFrom(&cfg.Server), scheduler, bus, configMgr)
		shutdownMgr.Register("http-server", srv.Shutdown, shutdown.PriorityCritical)
	}
	shutdownMgr.Register("scheduler", scheduler.Close, shutdown.PriorityHigh)
	shutdownMgr.Register("event-bus", func(ctx context.Context) error {
		bus.Stop()
		return nil
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("storage", func(ctx context.Context) error {
		return storeMgr.Close()
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("cxdownload stopped")
		return logger.GetLogger().Close()
	}, shutdown.PriorityLow)

	if err := scheduler.Start(shutdownMgr.Context()); err != nil {
		shutdownMgr.Shutdown()
		return fmt.Errorf("start scheduler: %w", err)
	}

	shutdownMgr.Start(context.Background())

	g := new(errgroup.Group)
	if srv != nil {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil {
				shutdownMgr.Stop()
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-shutdownMgr.Done()
		return shutdownMgr.Err()
	})

	err = g.Wait()
	shutdownMgr.Wait()
	return err
}
