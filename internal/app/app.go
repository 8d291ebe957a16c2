// Package app wires the sanitization stack together and exposes the
// caller-facing surface: submit, subscribe, cancel and wait.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dropdrive/internal/config"
	"dropdrive/internal/evidence"
	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/mount"
	"dropdrive/internal/provider"
	"dropdrive/internal/purge"
	"dropdrive/internal/security"
	"dropdrive/internal/system"
	"dropdrive/internal/wipe"
)

var (
	ErrClosed           = errors.New("service is shut down")
	ErrEvidenceDisabled = errors.New("evidence is disabled in configuration")
)

// Service is the application facade used by the CLI.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.EnterpriseLogger
	config *config.Config

	provider     provider.Provider
	guard        *security.Guard
	purge        *purge.Engine
	orchestrator *wipe.Orchestrator
	issuer       *evidence.Issuer
	ledger       *evidence.SQLiteLedger
	bus          *eventBus

	mu     sync.Mutex
	closed bool
	runs   map[string]*run
	wg     sync.WaitGroup
}

// run tracks a background operation started by Submit.
type run struct {
	done chan struct{}
	err  error
}

type options struct {
	provider    provider.Provider
	mount       mount.Manager
	elevated    func() bool
	systemCheck func(string) (bool, error)
}

type Option func(*options)

// WithProvider replaces the command-line erase provider.
func WithProvider(p provider.Provider) Option { return func(o *options) { o.provider = p } }

// WithMountManager replaces the platform mount manager.
func WithMountManager(m mount.Manager) Option { return func(o *options) { o.mount = m } }

// WithElevation replaces the elevation probe.
func WithElevation(f func() bool) Option { return func(o *options) { o.elevated = f } }

// WithSystemDeviceCheck replaces the running-system device check.
func WithSystemDeviceCheck(f func(string) (bool, error)) Option {
	return func(o *options) { o.systemCheck = f }
}

// New builds the service from configuration. The logger is owned by the caller.
func New(ctx context.Context, cfg *config.Config, logger *logging.EnterpriseLogger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := options{systemCheck: system.IsSystemDevice}
	for _, fn := range opts {
		fn(&o)
	}
	if o.provider == nil {
		o.provider = provider.NewCommandProvider(logger)
	}
	if o.mount == nil {
		if cfg.Mount.Enabled {
			o.mount = mount.NewSystemManager(logger)
		} else {
			o.mount = mount.Noop{}
		}
	}

	guard := security.NewGuard(cfg)
	if o.elevated != nil {
		guard = security.NewGuardWith(cfg, o.elevated)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Service{
		ctx:      sctx,
		cancel:   cancel,
		logger:   logger,
		config:   cfg,
		provider: o.provider,
		guard:    guard,
		purge: purge.NewEngine(o.provider, purge.Options{
			NvmeAction:  cfg.Sanitize.NvmeAction,
			AtaEnhanced: cfg.Sanitize.AtaEnhanced,
		}, logger),
		bus:  newEventBus(logger),
		runs: make(map[string]*run),
	}

	deps := wipe.Deps{
		Provider: o.provider,
		Purge:    s.purge,
		Mount:    o.mount,
		Guard:    guard,
		Registry: wipe.NewRegistry(cfg.Retention()),
		Logger:   logger,
		Events:   s.bus.publish,
	}

	if cfg.Evidence.Enabled {
		if err := s.openEvidence(ctx); err != nil {
			cancel()
			return nil, err
		}
		deps.Issuer = s.issuer
	}

	s.orchestrator = wipe.NewOrchestrator(deps, wipe.Options{
		ClearPattern:      cfg.Sanitize.ClearPattern,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		StallWarningAfter: cfg.StallWarningAfter(),
		MountEnabled:      cfg.Mount.Enabled,
		IssueRetries:      cfg.Evidence.IssueRetries,
		LockDir:           cfg.Sanitize.LockDir,
		SystemDeviceCheck: o.systemCheck,
	})

	logger.Log("INFO", "DropDrive service ready",
		"evidence", cfg.Evidence.Enabled, "mount", cfg.Mount.Enabled, "elevated", guard.CurrentElevation().Elevated)
	return s, nil
}

func (s *Service) openEvidence(ctx context.Context) error {
	var opts []evidence.Option
	ledger, err := evidence.OpenLedger(ctx, s.config.Evidence.LedgerPath)
	if err != nil {
		// Без реестра сертификаты пишутся только файлами
		s.logger.Log("WARN", "Certificate ledger unavailable, certificates will not be indexed",
			"path", s.config.Evidence.LedgerPath, "error", err)
	} else {
		s.ledger = ledger
		opts = append(opts, evidence.WithLedger(ledger))
	}

	issuer, err := evidence.NewIssuer(s.config.Evidence.CertificateDir, s.config.Evidence.ToolVersion, s.logger, opts...)
	if err != nil {
		if s.ledger != nil {
			_ = s.ledger.Close()
		}
		return fmt.Errorf("failed to initialise certificate issuer: %w", err)
	}
	s.issuer = issuer

	report, err := issuer.Recover(ctx)
	if err != nil {
		s.logger.Log("WARN", "Evidence recovery failed", "error", err)
	} else if report.Changed() {
		s.logger.Log("INFO", "Evidence store recovered",
			"removed_temp", len(report.RemovedTemp), "removed_orphans", len(report.RemovedOrphans),
			"reindexed", len(report.Reindexed))
	}
	return nil
}

// Submit starts an operation in the background and returns its id.
func (s *Service) Submit(req model.WipeRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	for id := range s.runs {
		if _, ok := s.orchestrator.Registry().Get(id); !ok {
			delete(s.runs, id)
		}
	}

	op := s.orchestrator.Accept(req)
	r := &run{done: make(chan struct{})}
	s.runs[op.ID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		_, r.err = s.orchestrator.Run(s.ctx, op)
	}()
	return op.ID, nil
}

// Subscribe streams the events of one operation, or of all operations when
// id is empty. A per-operation stream is closed after the result event.
func (s *Service) Subscribe(id string) (<-chan wipe.Event, func()) {
	ch, unsubscribe := s.bus.subscribe(id)
	if id != "" {
		if snap, ok := s.orchestrator.Lookup(id); ok && snap.Result != nil {
			s.bus.replayResult(ch, id, *snap.Result)
		}
	}
	return ch, unsubscribe
}

// Cancel requests cancellation of a running operation.
func (s *Service) Cancel(id string) error {
	return s.orchestrator.Cancel(id)
}

// Wait blocks until the operation finishes. The error carries the
// validation or privilege failure that aborted it, if any.
func (s *Service) Wait(ctx context.Context, id string) (model.WipeResult, error) {
	op, ok := s.orchestrator.Registry().Get(id)
	if !ok {
		return model.WipeResult{}, fmt.Errorf("%w: %s", wipe.ErrNotFound, id)
	}
	s.mu.Lock()
	r := s.runs[id]
	s.mu.Unlock()

	done := op.Done()
	if r != nil {
		done = r.done
	}
	select {
	case <-done:
	case <-ctx.Done():
		return model.WipeResult{}, ctx.Err()
	}

	snap := op.Snapshot()
	if snap.Result == nil {
		return model.WipeResult{}, fmt.Errorf("operation %s finished without result", id)
	}
	if r != nil {
		return *snap.Result, r.err
	}
	return *snap.Result, nil
}

// Execute runs a request synchronously.
func (s *Service) Execute(ctx context.Context, req model.WipeRequest) (model.WipeResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.WipeResult{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	return s.orchestrator.Execute(ctx, req)
}

// Lookup returns a snapshot of a live or recently finished operation.
func (s *Service) Lookup(id string) (wipe.Snapshot, bool) {
	return s.orchestrator.Lookup(id)
}

// Operations lists tracked operations, oldest first.
func (s *Service) Operations() []wipe.Snapshot {
	return s.orchestrator.Registry().List()
}

func (s *Service) Elevation() security.Elevation {
	return s.guard.CurrentElevation()
}

// ProbePurge reports which hardware purge method would be used, without
// issuing any destructive command.
func (s *Service) ProbePurge(ctx context.Context, device string) (purge.Result, error) {
	if err := system.ValidateDevicePath(device); err != nil {
		return purge.Result{}, err
	}
	return s.purge.Probe(ctx, device)
}

// DeviceInfo reads the live description of a device.
func (s *Service) DeviceInfo(ctx context.Context, device string) (provider.Info, error) {
	if err := system.ValidateDevicePath(device); err != nil {
		return provider.Info{}, err
	}
	return s.provider.DeviceInfo(ctx, device)
}

// Certificates returns the evidence issuer.
func (s *Service) Certificates() (*evidence.Issuer, error) {
	if s.issuer == nil {
		return nil, ErrEvidenceDisabled
	}
	return s.issuer, nil
}

func (s *Service) Config() *config.Config { return s.config }

// Close waits for running operations, then releases the ledger.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	s.bus.close()
	if s.ledger != nil {
		return s.ledger.Close()
	}
	return nil
}
