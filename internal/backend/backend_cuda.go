//go:build cuda

package backend

import (
	"errors"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/device/cuda"
	"github.com/samcharles93/plugkit/internal/dnn/cudnn"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/plugin"
)

const cudaEnabled = true

func newCUDA(log logger.Logger) (*Stack, error) {
	n, err := cuda.DeviceCount()
	if err != nil {
		return nil, errUnavailable("cuda", err)
	}
	if n == 0 {
		return nil, errUnavailable("cuda", errors.New("no devices"))
	}
	dev, err := cuda.New(0)
	if err != nil {
		return nil, errUnavailable("cuda", err)
	}
	k, err := cudnn.NewKernels()
	if err != nil {
		return nil, errUnavailable("cuda", err)
	}
	log.Info("using cuda backend", "device", dev.Name())
	return &Stack{
		Name: device.CUDA,
		Env: plugin.Env{
			Device:  dev,
			Kernels: k,
			DNN:     cudnn.New(),
			Log:     log,
		},
		closers: []func() error{k.Close},
	}, nil
}
