package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/compliance"
	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/cost"
	"github.com/sells-group/dealerscope/internal/extract"
	"github.com/sells-group/dealerscope/internal/fetcher"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/notify"
	"github.com/sells-group/dealerscope/internal/orchestrator"
	"github.com/sells-group/dealerscope/internal/scorer"
	"github.com/sells-group/dealerscope/internal/store"
	anthropicpkg "github.com/sells-group/dealerscope/pkg/anthropic"
)

// appEnv holds the initialized store, budget controller and orchestrator
// needed by the scrape/serve commands.
type appEnv struct {
	Store        store.Store
	Budget       *cost.Controller
	Scorer       *scorer.Engine
	Sink         notify.Sink
	Purger       *compliance.Purger
	Orchestrator *orchestrator.Orchestrator
	Sites        []model.Site
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp opens the store, syncs the sites file into it, restores today's
// budgets and builds the orchestrator. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	sites, err := syncSites(ctx, st, cfg.SitesFile)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Sites = sites

	env.Sink = notify.FromConfig(cfg.Notify)
	env.Budget, err = restoreBudgets(ctx, st, env.Sink, sites)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Scorer, err = scorer.NewEngine(cfg.Scoring, st)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init scorer")
	}

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.OptionsFromConfig(cfg.Fetch))
	robots := compliance.NewRobotsCache(httpFetcher, time.Duration(cfg.Compliance.RobotsTTLHours)*time.Hour)
	gate := compliance.NewGate(robots, compliance.RetentionFromConfig(cfg.Compliance))
	env.Purger = compliance.NewPurger(st)

	env.Orchestrator = orchestrator.New(cfg, orchestrator.Deps{
		Store:     st,
		Fetcher:   httpFetcher,
		Gate:      gate,
		Extractor: buildExtractor(cfg, env.Budget),
		Scorer:    env.Scorer,
		Budget:    env.Budget,
		Sink:      env.Sink,
		Proxies:   orchestrator.NewStaticProxyPool(cfg.Orchestrator.Proxies),
	})

	zap.L().Info("app initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("sites", len(sites)),
		zap.Int("proxies", len(cfg.Orchestrator.Proxies)),
	)
	return env, nil
}

// syncSites upserts the sites file into the store when it exists and
// returns the stored registry, which carries health from earlier runs.
func syncSites(ctx context.Context, st store.SiteStore, path string) ([]model.Site, error) {
	if path != "" {
		sites, err := config.LoadSites(path)
		if err != nil {
			return nil, err
		}
		if err := st.SaveSites(ctx, sites); err != nil {
			return nil, eris.Wrap(err, "save sites")
		}
		zap.L().Info("sites synced", zap.String("file", path), zap.Int("sites", len(sites)))
	}
	sites, err := st.ListSites(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list sites")
	}
	return sites, nil
}

// restoreBudgets registers every site with a fresh controller, rebuilds
// today's usage from the usage log and reapplies persisted strategy and
// block state.
func restoreBudgets(ctx context.Context, st store.Store, sink cost.EventSink, sites []model.Site) (*cost.Controller, error) {
	ctrl := cost.NewController(cfg.Budget, st, sink)
	for _, s := range sites {
		ctrl.Register(s)
	}
	if err := ctrl.Rebuild(ctx); err != nil {
		return nil, err
	}
	saved, err := st.LoadBudgets(ctx, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "load budgets")
	}
	ctrl.Restore(saved)
	return ctrl, nil
}

// buildExtractor assembles the tier chain: selector rules, the pattern
// model and, when enabled, the generative tier metered against auth.
func buildExtractor(c *config.Config, auth extract.Authorizer) *extract.Engine {
	tiers := []extract.Tier{
		extract.NewSelectorStrategy(),
		extract.NewPatternModel(),
	}
	if c.Extract.GenerativeEnabled && c.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(c.Anthropic.Key)
		tiers = append(tiers, extract.NewGenerativeStrategy(client, auth, c.Anthropic, c.Extract))
		zap.L().Info("generative extraction enabled", zap.String("model", c.Anthropic.Model))
	} else {
		zap.L().Debug("generative extraction disabled")
	}
	return extract.NewEngine(c.Extract, tiers...)
}
