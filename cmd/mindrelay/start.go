package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quietloop/mindrelay/internal/config"
	"github.com/quietloop/mindrelay/internal/host"
	"github.com/quietloop/mindrelay/internal/provider"
	"github.com/quietloop/mindrelay/internal/runtimestate"
	"github.com/quietloop/mindrelay/internal/topic"
	"github.com/quietloop/mindrelay/internal/transport"
)

type startOptions struct {
	model      string
	listen     string
	providerURL string
}

func newStartCommand() *cobra.Command {
	opts := &startOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Boot the Host and serve peers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.model, "model", "llama3", "model name advertised to peers")
	flags.StringVar(&opts.listen, "listen", ":4433", "local address to listen on, substituting for the overlay transport")
	flags.StringVar(&opts.providerURL, "provider-url", "http://localhost:11434", "base URL of the Ollama-compatible inference provider")
	return cmd
}

func runStart(ctx context.Context, opts *startOptions) error {
	lockPath, err := runtimestate.LockPath()
	if err != nil {
		return err
	}
	lock, err := runtimestate.Acquire(lockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := buildLogger(level)
	if err != nil {
		return fmt.Errorf("mindrelay: build logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := config.Default()

	top, err := topic.Generate()
	if err != nil {
		return fmt.Errorf("mindrelay: generate topic: %w", err)
	}
	serverID := top.String()
	if err := runtimestate.WriteServerID(serverID); err != nil {
		return err
	}
	defer runtimestate.RemoveServerID()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prov := provider.NewOllamaProvider(opts.providerURL, cfg.ChunkIdleTimeout, sugar)
	relay := host.NewRelay(runCtx, "mindrelay-host", opts.model, prov, cfg, sugar)

	listener, err := transport.ListenTCP(opts.listen)
	if err != nil {
		return err
	}
	supervisor := host.NewSupervisor(listener, relay, cfg, sugar)

	sugar.Infow("host started", "server_id", serverID, "model", opts.model, "listen", opts.listen)
	fmt.Println(serverID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- supervisor.Run(runCtx) }()

	for {
		select {
		case err := <-runErrCh:
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				sugar.Infow("shutting down", "signal", sig.String())
				if err := supervisor.Shutdown(); err != nil {
					sugar.Warnw("shutdown reported an error", "error", err)
				}
				return <-runErrCh
			case syscall.SIGHUP:
				if model, ok, err := runtimestate.ReadPendingModel(); err != nil {
					sugar.Warnw("failed to read pending model", "error", err)
				} else if ok {
					relay.SetModel(model)
					sugar.Infow("model updated", "model", model)
				}
			case syscall.SIGUSR1:
				toggleLevel(level)
				sugar.Infow("log level toggled", "level", level.Level().String())
			}
		}
	}
}

func toggleLevel(level zap.AtomicLevel) {
	if level.Level() == zapcore.DebugLevel {
		level.SetLevel(zap.InfoLevel)
	} else {
		level.SetLevel(zap.DebugLevel)
	}
}

func buildLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
