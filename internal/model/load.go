package model

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-splitter/internal/logger"
)

// Load pulls weights for every unit onto its planned device. In lazy mode it
// does nothing and Forward loads each unit right before it first runs.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.planned {
		return ErrNotPlanned
	}
	if m.opts.LazyLoad {
		logger.Log.Debug("Deferring weight load", "units", len(m.modules))
		return nil
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.LoadConcurrency)
	for _, u := range m.modules {
		g.Go(func() error {
			return u.Load(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Log.Error("Weight load failed", "source", m.source.Name(), "error", err)
		return err
	}
	logger.Log.Info("Weights loaded", "source", m.source.Name(), "units", len(m.modules), "duration", time.Since(start).String())
	return nil
}

// Reload drops and refetches one unit, addressed by any registered key.
func (m *Model) Reload(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.planned {
		return ErrNotPlanned
	}
	u, ok := m.byKey[key]
	if !ok {
		return fmt.Errorf("unknown unit %q", key)
	}
	u.Unload()
	return u.Load(ctx)
}

// Unload drops the weights of every unit. The placement is kept.
func (m *Model) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.modules {
		u.Unload()
	}
}
