// Command hm10bridge maintains a serial link to an HM-10 Bluetooth LE
// module (or a serial-over-TCP bridge) and exposes it over an HTTP and
// WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andrestotorica/hm10link/internal/bridge"
	"github.com/andrestotorica/hm10link/internal/config"
	"github.com/andrestotorica/hm10link/internal/gatt"
	"github.com/andrestotorica/hm10link/internal/hm10"
	"github.com/andrestotorica/hm10link/internal/store"
	"github.com/andrestotorica/hm10link/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "config.toml", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		log.Fatal("migrate store", zap.Error(err))
	}

	tr, err := newTransport(&cfg, log)
	if err != nil {
		log.Fatal("build transport", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := bridge.New(&cfg, db, tr, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("bridge", zap.Error(err))
	}
}

func newTransport(cfg *config.Config, log *zap.Logger) (transport.Transport, error) {
	switch cfg.Link.Kind {
	case "tcp":
		return transport.NewTCPTransport(cfg.Link.Addr, log), nil
	case "ble":
		// Real GATT stacks are platform glue behind gatt.Dialer. The
		// built-in simulator stands in until one is linked; addr "sim"
		// selects it explicitly for bench setups.
		return hm10.NewPort(gatt.NewSimulator(), cfg.Link.Addr, log), nil
	default:
		return nil, fmt.Errorf("unknown link kind %q", cfg.Link.Kind)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
