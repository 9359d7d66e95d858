package tenant

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reloader refreshes the tenant registry on a cron schedule so that
// onboarding a tenant does not require restarting the consumer. The
// optional onReload hook receives the new tenant count (used to keep the
// registry-size gauge current).
type Reloader struct {
	cron     *cron.Cron
	registry *Registry
	spec     string
	onReload func(size int)
	logger   *zap.Logger
}

// NewReloader builds a Reloader with a standard cron parser; spec accepts
// the usual five-field syntax plus descriptors like "@every 60s".
func NewReloader(registry *Registry, spec string, onReload func(size int), logger *zap.Logger) *Reloader {
	return &Reloader{
		cron:     cron.New(),
		registry: registry,
		spec:     spec,
		onReload: onReload,
		logger:   logger,
	}
}

// Start registers the reload job and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *Reloader) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.reload); err != nil {
		return fmt.Errorf("register registry reload %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("tenant registry reload scheduled", zap.String("spec", s.spec))
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running job to finish.
func (s *Reloader) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("tenant registry reloader stopped")
}

func (s *Reloader) reload() {
	size := s.registry.Reload()
	if s.onReload != nil {
		s.onReload(size)
	}
	s.logger.Debug("tenant registry reloaded", zap.Int("tenants", size))
}
