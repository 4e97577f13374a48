// Package backend assembles the device, kernels and math backend a
// plugin.Env needs for one execution backend.
package backend

import (
	"errors"
	"fmt"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/device/hostdev"
	"github.com/samcharles93/plugkit/internal/dnn/refdnn"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/plugin"
)

// Stack is an opened backend.
type Stack struct {
	Name string
	Env  plugin.Env

	closers []func() error
}

// Close releases backend resources in reverse order of acquisition.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open resolves name (auto, cpu or cuda) to a Stack. Auto prefers CUDA and
// falls back to the host reference backend.
func Open(name string, log logger.Logger) (*Stack, error) {
	if log == nil {
		log = logger.Default()
	}
	name, err := device.Normalize(name)
	if err != nil {
		return nil, err
	}
	switch name {
	case device.CPU:
		return newCPU(log), nil
	case device.CUDA:
		return newCUDA(log)
	default:
		s, err := newCUDA(log)
		if err == nil {
			return s, nil
		}
		log.Debug("cuda backend unavailable, using cpu", "error", err)
		return newCPU(log), nil
	}
}

func newCPU(log logger.Logger) *Stack {
	return &Stack{
		Name: device.CPU,
		Env: plugin.Env{
			Device:  hostdev.New(),
			Kernels: hostdev.Kernels{},
			DNN:     refdnn.New(),
			Log:     log,
		},
	}
}

func errUnavailable(name string, err error) error {
	return fmt.Errorf("%s backend is not available: %w", name, err)
}
