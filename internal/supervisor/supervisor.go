// Package supervisor owns every long-running component's lifecycle:
// every component exposes Start(ctx) error / Stop(), and one Supervisor
// runs the whole set, tearing everything down if any one of them exits.
package supervisor

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Component is anything the supervisor can run and stop. Start either
// blocks until ctx is canceled or an unrecoverable error occurs, or
// starts background goroutines bound to ctx and returns nil at once;
// Stop requests a graceful shutdown and returns once the component has
// quiesced.
type Component interface {
	Start(ctx context.Context) error
	Stop()
}

// Supervisor runs a fixed set of components, propagating the first
// error from any of them and stopping the rest.
type Supervisor struct {
	components []namedComponent
	log        *zap.Logger
}

type namedComponent struct {
	name string
	c    Component
}

// New constructs an empty Supervisor.
func New(log *zap.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Add registers a component under name. Components are started in the
// order they're added and stopped in reverse order.
func (s *Supervisor) Add(name string, c Component) {
	s.components = append(s.components, namedComponent{name: name, c: c})
}

// Run starts every registered component and blocks until ctx is
// canceled or one component returns an error, at which point it stops
// every component (reverse registration order) and returns the first
// error encountered.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, nc := range s.components {
		nc := nc
		g.Go(func() error {
			s.log.Info("supervisor: starting component", zap.String("component", nc.name))
			err := nc.c.Start(gctx)
			if err != nil {
				s.log.Error("supervisor: component exited with error", zap.String("component", nc.name), zap.Error(err))
			}
			return err
		})
	}

	err := g.Wait()
	s.stopAll()
	return err
}

func (s *Supervisor) stopAll() {
	for i := len(s.components) - 1; i >= 0; i-- {
		nc := s.components[i]
		s.log.Info("supervisor: stopping component", zap.String("component", nc.name))
		nc.c.Stop()
	}
}
