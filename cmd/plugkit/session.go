package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/plugkit/internal/autotune"
	"github.com/samcharles93/plugkit/internal/backend"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/netcfg"
	"github.com/samcharles93/plugkit/internal/plugin"
)

// session is a built layer graph together with everything it borrows.
type session struct {
	net       *netcfg.Net
	stack     *backend.Stack
	container *plugin.Container
	graph     *netcfg.Graph

	closeSource func() error
}

func openSession(ctx context.Context, path, backendName string) (s *session, err error) {
	log := logger.FromContext(ctx)
	s = &session{}
	defer func() {
		if err != nil {
			err = errors.Join(err, s.Close())
			s = nil
		}
	}()

	if s.net, err = netcfg.Load(path); err != nil {
		return s, err
	}
	if s.stack, err = backend.Open(backendName, log); err != nil {
		return s, err
	}
	env := s.stack.Env
	env.Tuning = autotune.NewCache()
	s.container = plugin.NewContainer(env)

	src, closeSource, err := s.net.OpenSource()
	if err != nil {
		return s, fmt.Errorf("open weights: %w", err)
	}
	s.closeSource = closeSource
	if s.graph, err = netcfg.Build(s.container, s.net, src); err != nil {
		return s, err
	}
	log.Info("graph built", "net", s.net.Name, "layers", len(s.graph.Stages), "backend", s.stack.Name)
	return s, nil
}

// Close destroys every plugin before releasing the weights they borrow.
func (s *session) Close() error {
	if s.container != nil {
		s.container.Close()
	}
	var errs []error
	if s.closeSource != nil {
		errs = append(errs, s.closeSource())
		s.closeSource = nil
	}
	if s.stack != nil {
		errs = append(errs, s.stack.Close())
		s.stack = nil
	}
	return errors.Join(errs...)
}
