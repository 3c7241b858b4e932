// Gladix user-mode agent: consumes kernel and hook telemetry from the
// shared ring, persists it, and scans referenced file artifacts.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gladix/agent/agent"
	"github.com/gladix/agent/config"
	"github.com/gladix/agent/logging"
)

// Exit codes, part of the service-control contract.
const (
	exitOK          = 0
	exitBadConfig   = 2
	exitStoreFailed = 3
	exitRingFailed  = 4
	exitFatal       = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the agent configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitBadConfig
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitBadConfig
	}
	defer log.Sync()

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		switch {
		case errors.Is(err, agent.ErrStoreInit):
			return exitStoreFailed
		case errors.Is(err, agent.ErrRingAttach):
			return exitRingFailed
		default:
			return exitFatal
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("signal received, stopping", zap.String("signal", s.String()))
		a.Stop()
	}()

	if err := a.Run(); err != nil {
		log.Error("runtime failure", zap.Error(err))
		return exitFatal
	}
	return exitOK
}
