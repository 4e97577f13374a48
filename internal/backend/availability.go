package backend

import (
	"strings"

	"github.com/samcharles93/plugkit/internal/device"
)

// Available returns a comma-separated list of backends compiled into this build.
func Available() string {
	entries := []string{device.CPU}
	if cudaEnabled {
		entries = append(entries, device.CUDA)
	}
	return strings.Join(entries, ",")
}
