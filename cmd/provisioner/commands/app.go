package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/credentials"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/logstream"
	"github.com/openfroyo/provisioner/pkg/naming"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/runner"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/tool"
	"github.com/openfroyo/provisioner/pkg/workspace"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.AppConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store  stores.Store
	policy *policy.Engine
	logs   *logstream.Broadcaster
	engine *engine.Engine
}

type appOptions struct {
	// withEngine builds the full engine. Read-only commands only need the
	// store and must not run recovery.
	withEngine bool
	// watch reloads templates and policies on change.
	watch bool
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("data_dir", cfg.DataDir).Str("store", cfg.Store.Driver).Msg("Configuration loaded")
	return cfg, nil
}

// newApp wires config -> telemetry -> store -> workspace -> logs -> runner ->
// tool -> credentials -> policy -> naming -> engine.
func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	a.store, err = stores.Open(ctx, stores.OpenConfig{
		Driver:  cfg.Store.Driver,
		DataDir: cfg.StoreDir(),
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		return a, fmt.Errorf("failed to open store: %w", err)
	}

	a.policy, err = policy.NewEngine(a.logger,
		policy.WithAllowedModels(cfg.Policy.AllowedModels),
		policy.WithEnvironment(cfg.Telemetry.Environment))
	if err != nil {
		return a, err
	}
	if len(cfg.Policy.Dirs) > 0 {
		if opts.watch && cfg.Policy.Watch {
			err = a.policy.Watch(ctx, cfg.Policy.Dirs)
		} else {
			err = a.policy.LoadPolicies(ctx, cfg.Policy.Dirs)
		}
		if err != nil {
			return a, err
		}
	}

	if !opts.withEngine {
		return a, nil
	}

	ws, err := workspace.NewManager(workspace.Config{
		TemplateDir: cfg.TemplateDir,
		SharedDir:   cfg.SharedDir(),
		WorkRoot:    cfg.WorkspacesDir(),
		Logger:      a.logger,
		Metrics:     tel.Metrics,
	})
	if err != nil {
		return a, fmt.Errorf("failed to prepare workspaces: %w", err)
	}
	if opts.watch {
		if err := ws.Templates().Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Template watching disabled")
		}
	}

	a.logs, err = logstream.NewBroadcaster(logstream.Config{
		Dir:     cfg.LogsDir(),
		Logger:  a.logger,
		Metrics: tel.Metrics,
	})
	if err != nil {
		return a, err
	}

	exec := runner.New(runner.Config{
		GracePeriod:  cfg.Tool.GracePeriod,
		DrainTimeout: cfg.Tool.DrainTimeout,
		Logger:       a.logger,
	})
	driver := tool.NewDriver(exec, tool.Config{
		Binary:    cfg.Tool.Binary,
		Env:       cfg.Tool.Env,
		TailLines: cfg.Engine.TailLines,
		Logger:    a.logger,
		Metrics:   tel.Metrics,
	})

	ecfg := engine.Config{
		Store:         a.store,
		Workspaces:    ws,
		Logs:          a.logs,
		Tool:          driver,
		Policy:        a.policy,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		Telemetry:     tel,
		Logger:        a.logger,
	}
	switch cfg.Credentials.Mode {
	case "static":
		ecfg.Resolver = &credentials.Static{Account: credentials.Account{ID: cfg.Credentials.SubscriptionID}}
	default:
		az := credentials.NewAzureCLI(exec, credentials.AzureCLIConfig{
			Binary:         cfg.Credentials.Binary,
			SkipLoginCheck: cfg.Credentials.SkipLoginCheck,
			Ready:          credentials.ReadyConfig{Timeout: cfg.Credentials.ReadinessTimeout},
			Logger:         a.logger,
		})
		ecfg.Resolver = az
		ecfg.Describer = az
		if cfg.Credentials.Enrich {
			ecfg.Enricher = az
		}
	}

	if cfg.Naming.Script != "" {
		ecfg.NameScript, err = naming.LoadScript(cfg.Naming.Script, cfg.Naming.Timeout, a.logger)
		if err != nil {
			return a, err
		}
	}

	a.engine, err = engine.New(ctx, ecfg)
	if err != nil {
		return a, err
	}
	return a, nil
}

// close stops the engine, then releases the logs, store and telemetry.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}

// view loads a deployment straight from the store.
func (a *app) view(ctx context.Context, id string) (*stores.Deployment, engine.View, error) {
	d, err := a.store.Get(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.View{}, engine.NewNotFoundError(id)
	}
	if err != nil {
		return nil, engine.View{}, err
	}
	return d, engine.NewView(d, d.Status.IsActive()), nil
}
