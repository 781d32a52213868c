package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pm-arb/internal/config"
	"pm-arb/pkg/types"
)

// ErrLiveNotConfirmed is returned when live mode is requested without the
// explicit confirm_live opt-in.
var ErrLiveNotConfirmed = errors.New("live mode requires confirm_live=true")

// balanceVerifyTimeout bounds the startup balance check per venue.
const balanceVerifyTimeout = 30 * time.Second

// LiveEngine runs the trading loop against real venue connectors with real
// money. Construction refuses to proceed, before any I/O happens, unless
// the config explicitly opts in.
type LiveEngine struct {
	*Engine
}

// NewLive builds a live-mode engine. Fails unless mode=live and
// confirm_live are both set.
func NewLive(cfg *config.Config, deps Deps, logger *slog.Logger) (*LiveEngine, error) {
	if types.TradingMode(cfg.Mode) != types.ModeLive || !cfg.ConfirmLive {
		return nil, ErrLiveNotConfirmed
	}
	core, err := newEngine(types.ModeLive, cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	return &LiveEngine{Engine: core}, nil
}

// Start verifies every venue's balance before the loop begins trading. A
// venue that cannot report a positive spendable balance aborts startup.
func (e *LiveEngine) Start() error {
	ctx, cancel := context.WithTimeout(e.ctx, balanceVerifyTimeout)
	defer cancel()

	for v, client := range e.venues {
		balances, err := client.GetBalance(ctx)
		if err != nil {
			return fmt.Errorf("verify %s balance: %w", v, err)
		}
		bal, ok := spendable(balances)
		if !ok {
			return fmt.Errorf("venue %s reports no spendable balance", v)
		}
		e.portfolio.SetVenueBalance(v, bal.Available)
		if err := e.store.RecordBalances([]types.Balance{bal}); err != nil {
			e.logger.Error("balance persist failed", "venue", v, "error", err)
		}
		e.logger.Info("venue balance verified",
			"venue", v, "currency", bal.Currency, "available", bal.Available)
	}

	return e.Engine.Start()
}

// spendable picks the venue's cash balance: USD first, then USDC
// (Polymarket settles in USDC).
func spendable(balances map[string]types.Balance) (types.Balance, bool) {
	for _, currency := range []string{"USD", "USDC"} {
		if bal, ok := balances[currency]; ok && bal.Available > 0 {
			return bal, true
		}
	}
	return types.Balance{}, false
}
