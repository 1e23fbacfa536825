package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Gate/internal/api"
	"OpenMCP-Gate/internal/observability/metrics"
	"OpenMCP-Gate/pkg/logger"
)

// runServe 启动 API、运行处理器与独立指标端口，任一组件退出即整体停止。
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}()

	deps := api.Dependencies{
		Auth:       a.auth,
		Router:     a.router,
		Executor:   a.executor,
		Plans:      a.plans,
		Governance: a.gate,
		Policies:   a.policies,
		Runs:       a.runs,
	}
	if a.agent != nil {
		deps.Agent = a.agent
	}
	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		RequestTimeout:  cfg.Executor.RequestTimeout.Std(),
	}, deps)
	processor := a.processor()

	logger.L().Info("网关启动",
		slog.String("address", cfg.Server.Address),
		slog.Any("services", a.router.Services()),
		slog.String("governance", cfg.Governance.Mode),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("run_store", cfg.Storage.RunStore.Driver),
		slog.Bool("agent", a.agent != nil),
		slog.String("auth", string(a.auth.Mode())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		err := processor.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			return metrics.StartServer(gctx, cfg.Server.MetricsAddress)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("网关已停止")
	return nil
}
