// Package app wires the engine together: config, logging, RPC, the
// ingestion loop, the execution scheduler, and the optional journal and
// status surfaces.
package app

import (
	"context"
	"fmt"
	"time"

	"slotwork/internal/chain"
	"slotwork/internal/chain/rpc"
	"slotwork/internal/clockwatch"
	"slotwork/internal/config"
	"slotwork/internal/eventbus"
	"slotwork/internal/executor"
	"slotwork/internal/index"
	"slotwork/internal/ingest"
	"slotwork/internal/journal"
	"slotwork/internal/runtime/supervisor"
	"slotwork/internal/status"
	"slotwork/internal/submit"
	"slotwork/internal/txbuild"
	"slotwork/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	idx   *index.Index
	clock *clockwatch.Tracker

	ing  *ingest.Service
	exec *executor.Service
	jour *journal.Service
	stat *status.Server
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, dur, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	programID, err := chain.ParsePubkey(cfg.Program.ID)
	if err != nil {
		return nil, fmt.Errorf("program.id: %w", err)
	}
	signer, err := chain.LoadKeypair(cfg.Keypair.Path)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	client, err := rpc.New(rpc.Config{
		URL:        cfg.RPC.URL,
		Timeout:    dur.RPCTimeout,
		RatePerSec: cfg.RPC.RatePerSec,
	}, log.With(logx.String("comp", "rpc")))
	if err != nil {
		return nil, err
	}

	idx := index.New()
	clock := clockwatch.NewTracker()

	builder := txbuild.New(txbuild.Config{
		ComputeUnitPrice: cfg.Fees.ComputeUnitPrice,
	}, signer)
	pipeline := submit.New(submit.Config{
		SkipPreflight:  cfg.Engine.SkipPreflight,
		ConfirmTimeout: dur.ConfirmTimeout,
		PollInterval:   dur.PollInterval,
	}, log, client, builder)

	exec := executor.New(executor.Config{
		MaxInFlight:   cfg.Engine.MaxInFlight,
		RetryMax:      cfg.Engine.RetryMax,
		SweepInterval: dur.SweepInterval,
	}, log, bus, idx, clock, pipeline)

	src, err := buildSource(cfg)
	if err != nil {
		return nil, err
	}
	ing := ingest.New(ingest.Config{
		ProgramID: programID,
		QueueSize: cfg.Source.QueueSize,
	}, src, idx, clock, exec, log.With(logx.String("comp", "ingest")), bus)

	jour, err := journal.Open(journal.Config{
		Enabled:     cfg.Journal.Enabled,
		Path:        cfg.Journal.Path,
		BusyTimeout: dur.JournalBusy,
		RetainDays:  cfg.Journal.RetainDays,
	}, log, bus)
	if err != nil {
		return nil, err
	}

	stat := status.New(status.Config{
		Enabled: cfg.Status.Enabled,
		Addr:    cfg.Status.Addr,
		Debug:   cfg.Status.Debug,
	}, log, idx, clock, exec, ing)

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		idx:   idx,
		clock: clock,
		ing:   ing,
		exec:  exec,
		jour:  jour,
		stat:  stat,
	}, nil
}

func buildSource(cfg *config.Config) (ingest.Source, error) {
	switch cfg.Source.Kind {
	case "":
		return ingest.IdleSource{}, nil
	case "replay":
		return ingest.ReplaySource{Path: cfg.Source.Path}, nil
	default:
		return nil, fmt.Errorf("source.kind %q is not supported", cfg.Source.Kind)
	}
}

// Done is closed when the supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Hot-reload applies logging only; everything else needs a restart.
	a.cfgm.OnChange(func(cfg *config.Config) {
		a.logs.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
	})

	a.sup.Go("executor", a.exec.Run)
	a.sup.GoRestart("ingest", a.ing.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("journal", a.jour.Run)
	a.sup.Go("status", a.stat.Run)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("engine started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.sup.Wait(wctx); err != nil {
		a.log.Warn("shutdown incomplete", logx.Err(err))
	}
	if err := a.jour.Close(); err != nil {
		a.log.Warn("journal close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
