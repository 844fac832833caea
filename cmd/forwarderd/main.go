package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"relaybot/internal/config"
	"relaybot/internal/manager"
	"relaybot/internal/platform"
	"relaybot/internal/platform/telegram"
	"relaybot/internal/store"
	"relaybot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	log, err := logx.New(logx.Config{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.Console,
		FilePath: cfg.Logging.File,
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	storePath := cfg.Storage.Path
	if storePath == "" && (cfg.Storage.Driver == "" || cfg.Storage.Driver == "file") {
		storePath = cfg.UsersDir
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        storePath,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}, log)
	if err != nil {
		log.Error("store open failed", logx.Err(err))
		os.Exit(1)
	}
	defer st.Close()

	factory := func(token string, ownerID int64) (platform.Transport, error) {
		return telegram.New(telegram.Config{
			Token:       token,
			OwnerID:     ownerID,
			PollTimeout: cfg.PollTimeoutDuration(),
		}, log)
	}

	m := manager.New(cfg, st, factory, log)
	if err := m.Start(ctx); err != nil {
		log.Error("manager start failed", logx.Err(err))
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}
	log.Info("relaybot running", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := m.Stop(stopCtx); err != nil {
		log.Warn("shutdown incomplete", logx.Err(err))
	}
}
