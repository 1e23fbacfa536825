package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"OpenMCP-Gate/internal/agent"
	"OpenMCP-Gate/internal/auth"
	"OpenMCP-Gate/internal/config"
	"OpenMCP-Gate/internal/consent"
	"OpenMCP-Gate/internal/executor"
	"OpenMCP-Gate/internal/governance"
	"OpenMCP-Gate/internal/installcache"
	"OpenMCP-Gate/internal/llm/openai"
	"OpenMCP-Gate/internal/observability/alerting"
	"OpenMCP-Gate/internal/plan"
	"OpenMCP-Gate/internal/router"
	"OpenMCP-Gate/internal/task"
	"OpenMCP-Gate/pkg/logger"
)

// app 持有一次进程生命周期内装配好的全部组件。
type app struct {
	cfg       *config.Config
	router    *router.Router
	policies  *governance.Store
	gate      governance.Gate
	executor  *executor.Executor
	plans     *plan.Catalog
	alerts    alerting.Dispatcher
	agent     *agent.Agent
	auth      *auth.Service
	runs      *task.Service
	store     task.Store
	queue     task.Queue
	installs  installcache.Cache
	closeFunc []func() error
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		AddSource:   cfg.Logging.AddSource,
		Redact:      cfg.Logging.Redact,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	})
}

// buildCore 装配路由、治理与执行器。CLI 子命令只需要这部分。
func buildCore(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	installs, err := buildInstallCache(ctx, cfg.InstallCache)
	if err != nil {
		return nil, err
	}
	a.installs = installs
	a.onClose(installs.Close)

	a.router, err = router.NewFromBindings(bindings(cfg.Services),
		router.WithInstallCache(installs),
		router.WithLogger(logger.Named("router")),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	switch cfg.Governance.Mode {
	case "remote":
		a.gate = governance.NewRemote(a.router, cfg.Governance.RemoteTool)
	default:
		a.policies, err = governance.NewStore(cfg.Governance.PolicyPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		evaluator := governance.NewEvaluator(a.policies, cfg.Governance.Profile)
		a.gate = evaluator
		if !slices.Contains(a.router.Services(), governance.ServiceName) {
			if err := a.router.Bind(router.Binding{Service: governance.ServiceName}, evaluator.Backend()); err != nil {
				a.Close()
				return nil, err
			}
		}
	}

	notifiers := []alerting.Notifier{}
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if chat := cfg.Alerting.Chat; strings.TrimSpace(chat.Tool) != "" {
		notifiers = append(notifiers, &alerting.ToolNotifier{
			Caller:      a.router,
			Tool:        chat.Tool,
			Target:      chat.Target,
			TargetArg:   chat.TargetArg,
			MessageArg:  chat.MessageArg,
			TitlePrefix: chat.TitlePrefix,
		})
	}
	if len(notifiers) > 0 {
		a.alerts = alerting.NewFanout(notifiers...)
	}

	opts := []executor.Option{
		executor.WithGate(a.gate),
		executor.WithWaiter(cfg.Executor.WaitInterval.Std(), cfg.Executor.WaitTimeout.Std()),
		executor.WithSchemaValidation(cfg.Executor.ValidateSchema == nil || *cfg.Executor.ValidateSchema),
		executor.WithLogger(logger.Named("executor")),
	}
	if a.alerts != nil {
		opts = append(opts, executor.WithAlerts(a.alerts))
	}
	a.executor = executor.New(a.router, opts...)
	if !slices.Contains(a.router.Services(), executor.ServiceName) {
		if err := a.router.Bind(router.Binding{Service: executor.ServiceName}, a.executor.Backend()); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.plans, err = plan.NewCatalog(cfg.Plans.TemplateDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildServer 在核心组件之上装配异步运行与对话代理。
func buildServer(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := buildCore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.store, err = buildRunStore(ctx, cfg.Storage.RunStore)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.onClose(a.store.Close)

	a.queue, err = buildQueue(cfg.TaskQueue)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.onClose(a.queue.Close)
	a.runs = task.NewService(a.store, a.queue, cfg.TaskQueue.MaxRetries)

	a.agent, err = buildAgent(cfg, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.auth, err = buildAuth(cfg.Server.Auth)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) processor() *task.Processor {
	opts := []task.ProcessorOption{
		task.WithWorkerCount(a.cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
	}
	if a.alerts != nil {
		opts = append(opts, task.WithAlertDispatcher(a.alerts))
	}
	return task.NewProcessor(a.executor, a.store, a.queue, a.queue, opts...)
}

func (a *app) onClose(fn func() error) {
	a.closeFunc = append(a.closeFunc, fn)
}

// Close 逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closeFunc) - 1; i >= 0; i-- {
		if err := a.closeFunc[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeFunc = nil
	return errors.Join(errs...)
}

func bindings(services []config.ServiceConfig) []router.Binding {
	out := make([]router.Binding, 0, len(services))
	for _, svc := range services {
		b := router.Binding{
			Service:     svc.Name,
			BaseAddress: svc.BaseURL,
			Timeout:     svc.Timeout.Std(),
			Headers:     svc.Headers,
		}
		if svc.Installation != nil {
			b.Installation = &router.InstallationLookup{
				OwnerArg:   svc.Installation.OwnerArg,
				LookupTool: svc.Installation.LookupTool,
				InjectArg:  svc.Installation.InjectArg,
			}
		}
		out = append(out, b)
	}
	return out
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	creds := make([]auth.Credential, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		creds = append(creds, auth.Credential{
			Name:        tok.Name,
			Token:       tok.Token,
			Permissions: tok.Permissions,
			Disabled:    tok.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Credentials: creds})
}

func buildInstallCache(ctx context.Context, cfg config.InstallCacheConfig) (installcache.Cache, error) {
	switch cfg.Driver {
	case "redis":
		return installcache.NewRedis(ctx, installcache.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	default:
		return installcache.NewMemory(), nil
	}
}

func buildRunStore(ctx context.Context, cfg config.RunStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return task.NewMySQLStore(ctx, task.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
		})
	default:
		return task.NewMemoryStore(), nil
	}
}

func buildQueue(cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Key,
			BlockWait: cfg.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return task.NewMemoryQueue(cfg.Buffer), nil
	}
}

// buildAgent 创建对话代理；未配置 API Key 时返回 nil，对应接口返回 503。
func buildAgent(cfg *config.Config, a *app) (*agent.Agent, error) {
	if cfg.LLM.Provider != "openai" {
		logger.L().Warn("未知的大模型 provider，对话代理已禁用", slog.String("provider", cfg.LLM.Provider))
		return nil, nil
	}
	if strings.TrimSpace(cfg.LLM.OpenAI.APIKey) == "" {
		logger.L().Warn("未配置 OpenAI API Key，对话代理已禁用", slog.String("env", cfg.LLM.OpenAI.APIKeyEnv))
		return nil, nil
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:  cfg.LLM.OpenAI.APIKey,
		BaseURL: cfg.LLM.OpenAI.BaseURL,
		Model:   cfg.LLM.OpenAI.Model,
		Timeout: cfg.LLM.OpenAI.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	policy := consent.DefaultPolicy()
	if len(cfg.Consent.Destructive) > 0 {
		policy.Destructive = cfg.Consent.Destructive
	}
	if len(cfg.Consent.Safe) > 0 {
		policy.Safe = cfg.Consent.Safe
	}
	return agent.New(client, a.router, a.executor,
		agent.WithConsentPolicy(policy),
		agent.WithMaxTurns(cfg.LLM.MaxTurns),
		agent.WithLLMTimeout(cfg.LLM.Timeout.Std()),
		agent.WithLogger(logger.Named("agent")),
	), nil
}
