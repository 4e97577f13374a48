//go:build !cuda

package backend

import (
	"errors"

	"github.com/samcharles93/plugkit/internal/logger"
)

const cudaEnabled = false

var errCUDAUnavailable = errors.New("built without -tags cuda")

func newCUDA(logger.Logger) (*Stack, error) {
	return nil, errUnavailable("cuda", errCUDAUnavailable)
}
