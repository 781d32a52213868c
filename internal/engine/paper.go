package engine

import (
	"log/slog"

	"pm-arb/internal/config"
	"pm-arb/pkg/types"
)

// PaperEngine trades simulated fills. The venue clients behind it are
// expected to fill at quoted prices (the in-memory mock venue does); real
// connectors can be passed for read-only discovery against live books.
type PaperEngine struct {
	*Engine
}

// NewPaper builds a paper-mode engine over the given venues.
func NewPaper(cfg *config.Config, deps Deps, logger *slog.Logger) (*PaperEngine, error) {
	core, err := newEngine(types.ModePaper, cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	return &PaperEngine{Engine: core}, nil
}
