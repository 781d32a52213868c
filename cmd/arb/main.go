// pm-arb — cross-venue arbitrage for binary prediction markets.
//
// The same event often trades on both Kalshi and Polymarket at prices that
// disagree. When YES on one venue plus NO on the other costs less than $1
// net of fees, buying both legs locks in the difference regardless of the
// outcome. This program finds those pairs, maps venue markets onto
// canonical events, prices both directions net of fees, and executes both
// legs with risk gating, Kelly sizing, and a hedge path for the leg that
// doesn't fill.
//
//	arb paper      — trade simulated fills against live venue quotes
//	arb live       — trade real orders (requires confirm_live=true)
//	arb backtest   — replay a recorded quote CSV through the pipeline
//	arb discover   — one-shot scan: opportunities, coverage, suggestions
//	arb doctor     — check config, database, registry, and venue health
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"pm-arb/internal/api"
	"pm-arb/internal/config"
	"pm-arb/internal/discovery"
	"pm-arb/internal/engine"
	"pm-arb/internal/fees"
	"pm-arb/internal/registry"
	"pm-arb/internal/store"
	"pm-arb/internal/venue"
	"pm-arb/internal/venue/kalshi"
	"pm-arb/internal/venue/polymarket"
	"pm-arb/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "arb",
		Short:         "Cross-venue arbitrage for binary prediction markets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML); ARB_* env vars override")

	root.AddCommand(
		newPaperCmd(&cfgPath),
		newLiveCmd(&cfgPath),
		newBacktestCmd(&cfgPath),
		newDiscoverCmd(&cfgPath),
		newDoctorCmd(&cfgPath),
	)
	return root
}

// setup loads and validates config for a mode and builds the logger.
func setup(cfgPath, mode string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Mode = mode
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return cfg, slog.New(handler), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openState opens the sqlite store and the registry directory.
func openState(cfg *config.Config, logger *slog.Logger) (*store.Store, *registry.Registry, error) {
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	reg, err := registry.Open(cfg.RegistryDir, logger)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	return st, reg, nil
}

// realVenues builds the Kalshi and Polymarket connectors. With trading set,
// Polymarket gets signing credentials; otherwise the client is read-only.
func realVenues(cfg *config.Config, trading bool, logger *slog.Logger) ([]venue.Client, error) {
	k := kalshi.New(kalshi.Config{
		BaseURL: cfg.KalshiPublicBase,
		APIKey:  cfg.KalshiAPIKey,
	}, logger)

	var auth *polymarket.Auth
	if trading {
		var err error
		auth, err = polymarket.NewAuth(polymarket.AuthConfig{
			PrivateKey:    cfg.PolyPrivateKey,
			FunderAddress: cfg.PolyFunderAddress,
			ChainID:       cfg.PolyChainID,
			SignatureType: cfg.PolySignatureType,
			ApiKey:        cfg.PolyAPIKey,
			Secret:        cfg.PolyAPISecret,
			Passphrase:    cfg.PolyPassphrase,
		})
		if err != nil {
			return nil, fmt.Errorf("polymarket auth: %w", err)
		}
	}
	p := polymarket.New(polymarket.Config{
		GammaBaseURL: cfg.PolymarketBase,
		CLOBBaseURL:  cfg.PolymarketCLOBBase,
		WSBaseURL:    cfg.PolymarketWSURL,
		FeeRateBps:   int(cfg.PolymarketTakerBps),
	}, auth, logger)

	return []venue.Client{k, p}, nil
}

// startFeeds turns on streaming market data for the connectors that carry
// a feed. The returned stop function tears the feeds down on shutdown.
func startFeeds(venues []venue.Client) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	for _, vc := range venues {
		if pm, ok := vc.(*polymarket.Client); ok {
			pm.StartFeed(ctx)
		}
	}
	return cancel
}

// tradingEngine is what paper and live engines share with runEngine.
type tradingEngine interface {
	api.StatusProvider
	Start() error
	Stop()
}

// runEngine starts the ops servers and the engine, then blocks until
// SIGINT/SIGTERM.
func runEngine(cfg *config.Config, eng tradingEngine, metrics *api.Metrics, ops *api.Server, logger *slog.Logger) error {
	go func() {
		if err := ops.Start(); err != nil {
			logger.Error("ops server failed", "error", err)
		}
	}()
	metricsSrv := api.NewMetricsServer(cfg.MetricsPort, metrics, logger)
	go func() {
		if err := metricsSrv.Start(); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	if err := eng.Start(); err != nil {
		return err
	}
	logger.Info("running",
		"mode", cfg.Mode,
		"health_port", cfg.HealthPort,
		"metrics_port", cfg.MetricsPort,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	if err := ops.Stop(); err != nil {
		logger.Error("ops server stop failed", "error", err)
	}
	if err := metricsSrv.Stop(); err != nil {
		logger.Error("metrics server stop failed", "error", err)
	}
	return nil
}

func newPaperCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "paper",
		Short: "Trade simulated fills against live venue quotes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath, "paper")
			if err != nil {
				return err
			}
			st, reg, err := openState(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			real, err := realVenues(cfg, false, logger)
			if err != nil {
				return err
			}
			defer startFeeds(real)()
			venues := make([]venue.Client, 0, len(real))
			for _, vc := range real {
				fee := cfg.FeeModelFor(vc.Venue()).TakerBps
				venues = append(venues, venue.NewPaper(vc, fee, cfg.StartingBalanceUSD))
			}

			metrics := api.NewMetrics()
			eng, err := engine.NewPaper(cfg, engine.Deps{
				Venues:   venues,
				Registry: reg,
				Store:    st,
				Metrics:  metrics,
			}, logger)
			if err != nil {
				return err
			}
			ops := api.NewServer(cfg.HealthPort, eng, logger)
			eng.SetHub(ops.Hub())

			return runEngine(cfg, eng, metrics, ops, logger)
		},
	}
}

func newLiveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "Trade real orders on real venues (requires confirm_live=true)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath, "live")
			if err != nil {
				return err
			}
			st, reg, err := openState(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			venues, err := realVenues(cfg, true, logger)
			if err != nil {
				return err
			}
			defer startFeeds(venues)()

			metrics := api.NewMetrics()
			eng, err := engine.NewLive(cfg, engine.Deps{
				Venues:   venues,
				Registry: reg,
				Store:    st,
				Metrics:  metrics,
			}, logger)
			if err != nil {
				return err
			}
			ops := api.NewServer(cfg.HealthPort, eng, logger)
			eng.SetHub(ops.Hub())

			logger.Warn("LIVE MODE — real orders will be placed")
			return runEngine(cfg, eng, metrics, ops, logger)
		},
	}
}

func newBacktestCmd(cfgPath *string) *cobra.Command {
	var dataPath, fromStr, toStr string

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a recorded quote CSV through the trading pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath, "backtest")
			if err != nil {
				return err
			}
			from, err := parseTimeFlag(fromStr)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			to, err := parseTimeFlag(toStr)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			reg, err := registry.Open(cfg.RegistryDir, logger)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}

			result, err := engine.NewBacktest(cfg, reg, logger).Run(cmd.Context(), dataPath, from, to)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "quote CSV to replay (required)")
	cmd.Flags().StringVar(&fromStr, "from", "", "start of the replay window (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "end of the replay window (RFC3339 or YYYY-MM-DD)")
	cmd.MarkFlagRequired("data")
	return cmd
}

// parseTimeFlag accepts RFC3339 or a bare date; empty means unbounded.
func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q, want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func newDiscoverCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "One-shot scan: opportunities, registry coverage, match suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath, "paper")
			if err != nil {
				return err
			}
			reg, err := registry.Open(cfg.RegistryDir, logger)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			venues, err := realVenues(cfg, false, logger)
			if err != nil {
				return err
			}

			mappers := make(map[types.Venue]*registry.Mapper, len(venues))
			models := make(map[types.Venue]types.FeeModel, len(venues))
			for _, vc := range venues {
				mappers[vc.Venue()] = registry.NewMapper(vc.Venue(), reg, logger)
				models[vc.Venue()] = cfg.FeeModelFor(vc.Venue())
			}
			scanner := discovery.New(venues, mappers, reg, fees.NewCalculator(models), cfg.MinEdgeBps, cfg.MinNotionalUSD, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			opportunities, err := scanner.Scan(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stats := scanner.Stats()
			fmt.Fprintf(out, "scanned %d contracts, %d dropped (unmappable), %d events cross-venue\n\n",
				stats.ContractsScanned, stats.ContractsDropped, stats.EventsPaired)

			fmt.Fprintf(out, "opportunities: %d\n", len(opportunities))
			for _, opp := range opportunities {
				fmt.Fprintf(out, "  %-50s %7.1f bps  %s\n", opp.EventID, opp.EdgeBps, opp.Rationale)
			}

			cov := reg.CoverageStats()
			fmt.Fprintf(out, "\ncoverage: %d events, %d mappings, %d cross-venue\n",
				cov.TotalEvents, cov.TotalMappings, cov.EventsWithCrossVenue)

			printSuggestions(out, reg, scanner.LastContracts(), logger)

			if err := reg.Save(); err != nil {
				return fmt.Errorf("save registry: %w", err)
			}
			return nil
		},
	}
}

// printSuggestions runs the similarity matcher over unmapped contracts and
// reports candidate pairs for manual review. Suggestions are never traded.
func printSuggestions(out io.Writer, reg *registry.Registry, contracts []types.Contract, logger *slog.Logger) {
	byVenue := make(map[types.Venue][]types.Contract)
	for _, c := range contracts {
		marketID := c.MarketID
		if marketID == "" {
			marketID = c.ID
		}
		if _, mapped := reg.Lookup(c.Venue, marketID); !mapped {
			byVenue[c.Venue] = append(byVenue[c.Venue], c)
		}
	}
	venues := make([]types.Venue, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })
	if len(venues) < 2 {
		return
	}

	matcher := registry.NewSimilarityMatcher(logger)
	pairs := matcher.Match(byVenue[venues[0]], byVenue[venues[1]])
	if len(pairs) == 0 {
		return
	}
	fmt.Fprintf(out, "\nsuggestions (similarity only, review before mapping manually):\n")
	for _, pair := range pairs {
		fmt.Fprintf(out, "  %.2f  %s:%s ~ %s:%s\n",
			pair.Confidence,
			pair.ContractA.Venue, pair.ContractA.EventKey,
			pair.ContractB.Venue, pair.ContractB.EventKey)
	}
}

func newDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database, registry, and venue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Fprintf(out, "FAIL  %-12s %v\n", name, err)
					return
				}
				fmt.Fprintf(out, "ok    %s\n", name)
			}

			cfg, logger, err := setup(*cfgPath, "paper")
			check("config", err)
			if err != nil {
				return fmt.Errorf("doctor found problems")
			}

			st, err := store.Open(cfg.DBPath, logger)
			check("database", err)
			if err == nil {
				st.Close()
			}

			reg, err := registry.Open(cfg.RegistryDir, logger)
			check("registry", err)
			if err == nil {
				cov := reg.CoverageStats()
				fmt.Fprintf(out, "      %d events, %d mappings, %d cross-venue\n",
					cov.TotalEvents, cov.TotalMappings, cov.EventsWithCrossVenue)
			}

			venues, err := realVenues(cfg, false, logger)
			check("connectors", err)
			if err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				for _, vc := range venues {
					if vc.Healthcheck(ctx) {
						fmt.Fprintf(out, "ok    venue %s\n", vc.Venue())
					} else {
						failed = true
						fmt.Fprintf(out, "FAIL  venue %s unreachable\n", vc.Venue())
					}
				}
			}

			if failed {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}
