package backend

import (
	"strings"
	"testing"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/logger"
)

func TestOpenCPU(t *testing.T) {
	t.Parallel()

	s, err := Open("CPU", logger.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if s.Name != device.CPU {
		t.Fatalf("Name = %q, want cpu", s.Name)
	}
	if s.Env.Device == nil || s.Env.Kernels == nil || s.Env.DNN == nil {
		t.Fatalf("incomplete env: %+v", s.Env)
	}
}

func TestOpenAutoAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	s, err := Open("", logger.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if !strings.Contains(Available(), s.Name) {
		t.Fatalf("backend %q not in Available() = %q", s.Name, Available())
	}
}

func TestOpenUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Open("tpu", nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
