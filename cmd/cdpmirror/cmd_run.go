package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cdpmirror/internal/config"
	"cdpmirror/internal/logger"
	"cdpmirror/pkg/api"
	"cdpmirror/pkg/domain"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to a DevTools endpoint and rewrite traffic until interrupted",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("devtools", "", "DevTools HTTP endpoint (overrides config)")
	runCmd.Flags().String("target", "", "target ID to attach (default: first page)")
	rootCmd.AddCommand(runCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Writer: cfg.Log.Writer,
		File:   cfg.Log.File,
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("devtools"); v != "" {
		cfg.DevTools.URL = v
	}
	if v, _ := cmd.Flags().GetString("target"); v != "" {
		cfg.DevTools.Target = v
	}
	log := newLogger(cfg)

	svc, err := api.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartService, err)
	}
	defer svc.Close()

	id, err := svc.StartSession(svc.DefaultSessionConfig())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartService, err)
	}
	target, err := svc.AttachTarget(id, domain.TargetID(cfg.DevTools.Target))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAttach, err)
	}
	if err := svc.EnableInterception(id); err != nil {
		return fmt.Errorf("%w: %w", ErrEnable, err)
	}
	log.Info("开始拦截", "session", string(id), "target", string(target), "devtools", cfg.DevTools.URL)

	events, err := svc.SubscribeEvents(id)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			st := svc.CacheStats()
			log.Info("收到退出信号，停止拦截", "cacheEntries", st.Entries, "cacheHits", st.Hits, "cacheMisses", st.Misses)
			return nil
		case ev := <-events:
			log.Debug("交换完成", "url", ev.URL, "stage", ev.Stage, "result", ev.FinalResult,
				"bytesIn", ev.BytesIn, "bytesOut", ev.BytesOut, "error", ev.Error)
		}
	}
}
