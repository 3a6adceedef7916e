package discovery

import (
	"context"
	"log/slog"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// PluginRegistry is the persistence surface the syncer needs.
type PluginRegistry interface {
	GetByName(ctx context.Context, name, version string) (*domain.Plugin, error)
	Add(ctx context.Context, p *domain.Plugin) error
	Update(ctx context.Context, p *domain.Plugin) error
}

// PluginValidator decides whether a plugin could plausibly execute.
// Satisfied by the runtime dispatcher.
type PluginValidator interface {
	Validate(ctx context.Context, p *domain.Plugin) (bool, string, error)
}

// SyncReport summarises one reconciliation pass.
type SyncReport struct {
	Discovered int `json:"discovered"`
	Registered int `json:"registered"`
	Refreshed  int `json:"refreshed"`
	Unchanged  int `json:"unchanged"`
	Failed     int `json:"failed"`
}

// Syncer reconciles the plugin roots with the plugin repository: new
// manifests are registered, modified ones refreshed (detected by source
// hash), and registered plugins are validated. Disabled plugins are left
// alone.
type Syncer struct {
	scanner   *Scanner
	registry  PluginRegistry
	validator PluginValidator
	logger    *slog.Logger
}

// NewSyncer creates a syncer over the scanner's roots.
func NewSyncer(scanner *Scanner, registry PluginRegistry, validator PluginValidator, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{scanner: scanner, registry: registry, validator: validator, logger: logger}
}

// Sync runs one reconciliation pass. Per-plugin failures are logged and
// counted; only a failed scan aborts the pass.
func (s *Syncer) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	found, err := s.scanner.Scan()
	if err != nil {
		return report, err
	}
	report.Discovered = len(found)

	for _, dp := range found {
		if err := ctx.Err(); err != nil {
			return report, errs.Wrap(errs.KindFailure, "Discovery.Sync", err)
		}
		if err := s.syncOne(ctx, dp, &report); err != nil {
			report.Failed++
			s.logger.Warn("plugin sync failed",
				"plugin", dp.Metadata.Name, "version", dp.Metadata.Version, "error", err)
		}
	}

	s.logger.Info("plugin sync finished",
		"discovered", report.Discovered, "registered", report.Registered,
		"refreshed", report.Refreshed, "unchanged", report.Unchanged, "failed", report.Failed)
	return report, nil
}

func (s *Syncer) syncOne(ctx context.Context, dp *DiscoveredPlugin, report *SyncReport) error {
	existing, err := s.registry.GetByName(ctx, dp.Metadata.Name, dp.Metadata.Version.String())
	switch {
	case errs.IsKind(err, errs.KindNotFound):
		return s.register(ctx, dp, report)
	case err != nil:
		return err
	}

	if existing.Status() == domain.PluginDisabledStatus {
		report.Unchanged++
		return nil
	}
	if existing.SourceHash() == dp.SourceHash {
		// Still validate plugins that never passed validation, so a toolchain
		// installed after the first scan is picked up.
		if existing.Status() == domain.PluginRegisteredStatus {
			return s.validate(ctx, existing)
		}
		report.Unchanged++
		return nil
	}
	return s.refresh(ctx, existing, dp, report)
}

func (s *Syncer) register(ctx context.Context, dp *DiscoveredPlugin, report *SyncReport) error {
	p, err := domain.NewPlugin(dp.Metadata, dp.Manifest.EntryPoint, dp.PluginDir)
	if err != nil {
		return err
	}
	p.SetCapabilities(dp.Manifest.Capabilities)
	p.SetSourceHash(dp.SourceHash)
	if len(dp.Manifest.Configuration) > 0 {
		p.UpdateConfiguration(dp.Manifest.Configuration)
	}
	if err := p.ReplaceDependencies(dp.Dependencies); err != nil {
		return err
	}
	if err := s.registry.Add(ctx, p); err != nil {
		return err
	}
	report.Registered++
	s.logger.Info("plugin registered",
		"plugin", dp.Metadata.Name, "version", dp.Metadata.Version, "language", dp.Metadata.Language)
	return s.validate(ctx, p)
}

func (s *Syncer) refresh(ctx context.Context, p *domain.Plugin, dp *DiscoveredPlugin, report *SyncReport) error {
	p.SetCapabilities(dp.Manifest.Capabilities)
	p.SetSourceHash(dp.SourceHash)
	p.UpdateConfiguration(dp.Manifest.Configuration)
	if err := p.ReplaceDependencies(dp.Dependencies); err != nil {
		return err
	}
	if err := s.registry.Update(ctx, p); err != nil {
		return err
	}
	report.Refreshed++
	s.logger.Info("plugin refreshed", "plugin", dp.Metadata.Name, "version", dp.Metadata.Version)
	return s.validate(ctx, p)
}

func (s *Syncer) validate(ctx context.Context, p *domain.Plugin) error {
	ok, reason, err := s.validator.Validate(ctx, p)
	if err != nil {
		return err
	}
	if err := p.RecordValidation(ok, reason); err != nil {
		return err
	}
	return s.registry.Update(ctx, p)
}
