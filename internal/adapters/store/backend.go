package store

import (
	"context"

	"github.com/mikey/warmup-engine/internal/core"
)

// Backend is a store the binaries can provision and close
type Backend interface {
	core.Store
	CreateLead(ctx context.Context, lead *core.Lead) error
	Close() error
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*SQLStore)(nil)
)
