// Package cost gates metered operations against per-site daily budgets and
// reports what the usage cost.
package cost

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
)

// Operation is a metered amount of one resource.
type Operation struct {
	Resource model.ResourceType `json:"resource"`
	Amount   float64            `json:"amount"`
}

// Decision is the answer to Authorize. A denial is a value, never an error.
type Decision struct {
	Allowed           bool                  `json:"allowed"`
	Reason            string                `json:"reason,omitempty"`
	SuggestedStrategy model.ScrapeStrategy  `json:"suggested_strategy,omitempty"`
	Remaining         model.ResourceAmounts `json:"remaining"`
	Status            model.BudgetStatus    `json:"status"`
}

// UsageLog is the append-only record of authorized usage.
type UsageLog interface {
	AppendUsage(ctx context.Context, e model.UsageEvent) error
	UsageSince(ctx context.Context, since time.Time) ([]model.UsageEvent, error)
}

// EventSink receives budget events.
type EventSink interface {
	Emit(ctx context.Context, e model.Event) error
}

type siteState struct {
	mu     sync.Mutex
	budget model.SiteBudget
}

// Controller tracks per-site daily usage. Check-then-increment for a site
// runs under that site's mutex so concurrent callers cannot overshoot a cap.
type Controller struct {
	cfg     config.BudgetConfig
	log     UsageLog
	sink    EventSink
	nowFunc func() time.Time

	mu    sync.RWMutex
	sites map[string]*siteState
}

// NewController creates a Controller. log and sink may be nil.
func NewController(cfg config.BudgetConfig, log UsageLog, sink EventSink) *Controller {
	if cfg.NearLimitPct <= 0 || cfg.NearLimitPct >= 1 {
		cfg.NearLimitPct = 0.8
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTierCaps()
	}
	return &Controller{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		nowFunc: time.Now,
		sites:   make(map[string]*siteState),
	}
}

// DefaultTierCaps returns the daily caps per budget tier.
func DefaultTierCaps() map[string]model.ResourceAmounts {
	return map[string]model.ResourceAmounts{
		string(model.BudgetTierHigh):   {HTTPRequests: 2000, HeadlessMinutes: 120, LLMTokens: 200000, CaptchaSolves: 50},
		string(model.BudgetTierMedium): {HTTPRequests: 1000, HeadlessMinutes: 60, LLMTokens: 100000, CaptchaSolves: 20},
		string(model.BudgetTierLow):    {HTTPRequests: 300, HeadlessMinutes: 15, LLMTokens: 25000, CaptchaSolves: 5},
	}
}

// AssignTier maps site priority and category to a budget tier.
func AssignTier(site model.Site) model.BudgetTier {
	switch {
	case site.Priority >= 8 || site.Category == model.SiteCategoryFederal:
		return model.BudgetTierHigh
	case site.Priority >= 5:
		return model.BudgetTierMedium
	default:
		return model.BudgetTierLow
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Register creates or refreshes the budget for site. Usage already
// recorded today is kept.
func (c *Controller) Register(site model.Site) {
	tier := AssignTier(site)
	strategy := site.Strategy
	if strategy == "" {
		strategy = model.ScrapeHTTP
	}

	c.mu.Lock()
	st, ok := c.sites[site.ID]
	if !ok {
		st = &siteState{budget: model.SiteBudget{
			SiteID:   site.ID,
			Strategy: strategy,
			Status:   model.BudgetUnder,
			Day:      startOfDay(c.nowFunc()),
		}}
		c.sites[site.ID] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.budget.Tier = tier
	st.budget.Caps = c.cfg.Tiers[string(tier)]
	c.refreshStatus(&st.budget)
}

// SetCaps overrides the caps of a registered site.
func (c *Controller) SetCaps(siteID string, caps model.ResourceAmounts) error {
	st := c.site(siteID)
	if st == nil {
		return eris.Errorf("cost: unknown site %q", siteID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.budget.Caps = caps
	c.refreshStatus(&st.budget)
	return nil
}

// SetUsage overwrites today's usage of a registered site.
func (c *Controller) SetUsage(siteID string, usage model.ResourceAmounts) error {
	st := c.site(siteID)
	if st == nil {
		return eris.Errorf("cost: unknown site %q", siteID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.budget.Usage = usage
	c.refreshStatus(&st.budget)
	return nil
}

func (c *Controller) site(siteID string) *siteState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sites[siteID]
}

// Authorize decides whether op fits in the site's remaining daily budget
// and, when it does, records the usage before returning.
func (c *Controller) Authorize(ctx context.Context, siteID string, op Operation) Decision {
	st := c.site(siteID)
	if st == nil {
		return Decision{Reason: fmt.Sprintf("no budget registered for site %s", siteID)}
	}

	st.mu.Lock()
	d, alert := c.authorizeLocked(ctx, &st.budget, op)
	st.mu.Unlock()

	if alert != nil {
		c.emit(ctx, *alert)
	}
	return d
}

func (c *Controller) authorizeLocked(ctx context.Context, b *model.SiteBudget, op Operation) (Decision, *model.Event) {
	c.rollDay(b)

	if !validAmount(op.Amount) {
		return c.deny(b, op, fmt.Sprintf("invalid amount requested: %g", op.Amount)), nil
	}
	if b.Status == model.BudgetBlocked {
		return c.deny(b, op, "site is blocked for today"), nil
	}

	limit := b.Caps.Get(op.Resource)
	used := b.Usage.Get(op.Resource)
	if used+op.Amount > limit {
		reason := fmt.Sprintf("daily %s budget exceeded: used %g of %g, requested %g",
			op.Resource, used, limit, op.Amount)
		return c.deny(b, op, reason), nil
	}

	if op.Amount == 0 {
		return Decision{Allowed: true, Remaining: b.Remaining(), Status: b.Status}, nil
	}

	b.Usage.Add(op.Resource, op.Amount)
	c.append(ctx, b, op.Resource, op.Amount)

	prev := b.Status
	c.refreshStatus(b)
	if b.Status != prev {
		zap.L().Info("cost: budget status changed",
			zap.String("site", b.SiteID),
			zap.String("from", string(prev)),
			zap.String("to", string(b.Status)),
		)
	}

	var alert *model.Event
	if b.Status == model.BudgetNear && !b.NearAlert {
		b.NearAlert = true
		alert = &model.Event{
			Type:     model.EventBudgetNearLimit,
			Severity: "medium",
			SiteID:   b.SiteID,
			Message:  fmt.Sprintf("site %s is at %.0f%% of its daily budget", b.SiteID, b.Utilization()*100),
			Details:  map[string]any{"usage": b.Usage, "caps": b.Caps, "tier": b.Tier},
		}
	}
	return Decision{Allowed: true, Remaining: b.Remaining(), Status: b.Status}, alert
}

// validAmount rejects negative, NaN and infinite amounts. A NaN would
// poison usage so that every later cap comparison is false.
func validAmount(a float64) bool {
	return a >= 0 && !math.IsInf(a, 0)
}

func (c *Controller) deny(b *model.SiteBudget, op Operation, reason string) Decision {
	d := Decision{
		Reason:    reason,
		Remaining: b.Remaining(),
		Status:    b.Status,
	}
	if next, ok := cheaperStrategy(b, op.Resource); ok {
		d.SuggestedStrategy = next
	}
	zap.L().Info("cost: operation denied",
		zap.String("site", b.SiteID),
		zap.String("resource", string(op.Resource)),
		zap.Float64("amount", op.Amount),
		zap.String("reason", reason),
		zap.String("suggested_strategy", string(d.SuggestedStrategy)),
	)
	return d
}

// cheaperStrategy suggests one tier down when the denied resource belongs
// to rendering and plain requests still have headroom.
func cheaperStrategy(b *model.SiteBudget, r model.ResourceType) (model.ScrapeStrategy, bool) {
	if r != model.ResourceHeadless && r != model.ResourceCaptcha {
		return "", false
	}
	next, ok := downOne(b.Strategy)
	if !ok || b.Remaining().HTTPRequests <= 0 {
		return "", false
	}
	return next, true
}

func downOne(s model.ScrapeStrategy) (model.ScrapeStrategy, bool) {
	switch s {
	case model.ScrapeHeadless:
		return model.ScrapeHybrid, true
	case model.ScrapeHybrid:
		return model.ScrapeHTTP, true
	}
	return "", false
}

// Release returns an unused reservation, e.g. a fetch cancelled before it
// was sent. The release is logged as a negative usage event.
func (c *Controller) Release(ctx context.Context, siteID string, op Operation) {
	st := c.site(siteID)
	if st == nil || !validAmount(op.Amount) || op.Amount == 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	b := &st.budget
	amount := min(op.Amount, b.Usage.Get(op.Resource))
	if amount <= 0 {
		return
	}
	b.Usage.Add(op.Resource, -amount)
	c.append(ctx, b, op.Resource, -amount)
	c.refreshStatus(b)
}

// Block denies every further operation for the site until the daily reset.
func (c *Controller) Block(ctx context.Context, siteID, reason string) {
	st := c.site(siteID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.budget.Status = model.BudgetBlocked
	st.mu.Unlock()

	zap.L().Warn("cost: site blocked", zap.String("site", siteID), zap.String("reason", reason))
	c.emit(ctx, model.Event{
		Type:     model.EventSiteBlocked,
		Severity: "high",
		SiteID:   siteID,
		Message:  fmt.Sprintf("site %s blocked: %s", siteID, reason),
	})
}

// Downgrade moves the site one strategy tier down. It returns false when
// the site is already on the cheapest tier.
func (c *Controller) Downgrade(ctx context.Context, siteID, reason string) (model.ScrapeStrategy, bool) {
	st := c.site(siteID)
	if st == nil {
		return "", false
	}
	st.mu.Lock()
	from := st.budget.Strategy
	to, ok := downOne(from)
	if ok {
		st.budget.Strategy = to
	}
	st.mu.Unlock()
	if !ok {
		return from, false
	}

	zap.L().Warn("cost: strategy downgraded",
		zap.String("site", siteID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	c.emit(ctx, model.Event{
		Type:     model.EventStrategyDowngraded,
		Severity: "medium",
		SiteID:   siteID,
		Message:  fmt.Sprintf("site %s downgraded from %s to %s", siteID, from, to),
		Details:  map[string]any{"from": from, "to": to, "reason": reason},
	})
	return to, true
}

// Strategy returns the site's current scraping strategy.
func (c *Controller) Strategy(siteID string) model.ScrapeStrategy {
	st := c.site(siteID)
	if st == nil {
		return model.ScrapeHTTP
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.budget.Strategy
}

// ResetDaily zeroes usage for every site and puts each back on plain HTTP.
func (c *Controller) ResetDaily() {
	day := startOfDay(c.nowFunc())
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.sites {
		st.mu.Lock()
		resetBudget(&st.budget, day)
		st.mu.Unlock()
	}
	zap.L().Info("cost: daily budgets reset", zap.Int("sites", len(c.sites)), zap.Time("day", day))
}

func resetBudget(b *model.SiteBudget, day time.Time) {
	b.Usage = model.ResourceAmounts{}
	b.Strategy = model.ScrapeHTTP
	b.Status = model.BudgetUnder
	b.NearAlert = false
	b.Day = day
}

// rollDay applies the daily reset lazily when a budget is first touched on
// a new UTC day.
func (c *Controller) rollDay(b *model.SiteBudget) {
	if day := startOfDay(c.nowFunc()); b.Day.Before(day) {
		resetBudget(b, day)
	}
}

// Rebuild reconstructs today's usage from the usage log after a restart.
func (c *Controller) Rebuild(ctx context.Context) error {
	if c.log == nil {
		return nil
	}
	day := startOfDay(c.nowFunc())
	events, err := c.log.UsageSince(ctx, day)
	if err != nil {
		return eris.Wrap(err, "cost: rebuild usage")
	}

	totals := make(map[string]*model.ResourceAmounts)
	for _, e := range events {
		t, ok := totals[e.SiteID]
		if !ok {
			t = &model.ResourceAmounts{}
			totals[e.SiteID] = t
		}
		t.Add(e.Resource, e.Amount)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, st := range c.sites {
		st.mu.Lock()
		st.budget.Day = day
		st.budget.Usage = model.ResourceAmounts{}
		if t, ok := totals[id]; ok {
			st.budget.Usage = *t
		}
		c.refreshStatus(&st.budget)
		st.budget.NearAlert = st.budget.Status != model.BudgetUnder
		st.mu.Unlock()
	}
	zap.L().Info("cost: rebuilt usage from log", zap.Int("events", len(events)), zap.Int("sites", len(totals)))
	return nil
}

// Status returns a copy of one site's budget.
func (c *Controller) Status(siteID string) (model.SiteBudget, bool) {
	st := c.site(siteID)
	if st == nil {
		return model.SiteBudget{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c.rollDay(&st.budget)
	return st.budget, true
}

// Snapshot returns a copy of every budget sorted by site id.
func (c *Controller) Snapshot() []model.SiteBudget {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sites))
	for id := range c.sites {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	out := make([]model.SiteBudget, 0, len(ids))
	for _, id := range ids {
		if b, ok := c.Status(id); ok {
			out = append(out, b)
		}
	}
	return out
}

// Restore applies persisted strategy and block state for today's budgets.
func (c *Controller) Restore(budgets []model.SiteBudget) {
	day := startOfDay(c.nowFunc())
	for _, saved := range budgets {
		st := c.site(saved.SiteID)
		if st == nil || saved.Day.Before(day) {
			continue
		}
		st.mu.Lock()
		if saved.Strategy != "" {
			st.budget.Strategy = saved.Strategy
		}
		if saved.Status == model.BudgetBlocked {
			st.budget.Status = model.BudgetBlocked
		}
		st.budget.NearAlert = st.budget.NearAlert || saved.NearAlert
		st.mu.Unlock()
	}
}

func (c *Controller) refreshStatus(b *model.SiteBudget) {
	if b.Status == model.BudgetBlocked {
		return
	}
	switch u := b.Utilization(); {
	case u >= 1:
		b.Status = model.BudgetOver
	case u >= c.cfg.NearLimitPct:
		b.Status = model.BudgetNear
	default:
		b.Status = model.BudgetUnder
	}
}

func (c *Controller) append(ctx context.Context, b *model.SiteBudget, r model.ResourceType, amount float64) {
	if c.log == nil {
		return
	}
	err := c.log.AppendUsage(ctx, model.UsageEvent{
		ID:         uuid.NewString(),
		SiteID:     b.SiteID,
		Resource:   r,
		Amount:     amount,
		Strategy:   b.Strategy,
		RecordedAt: c.nowFunc(),
	})
	if err != nil {
		zap.L().Error("cost: failed to append usage event",
			zap.String("site", b.SiteID),
			zap.String("resource", string(r)),
			zap.Error(err),
		)
	}
}

func (c *Controller) emit(ctx context.Context, e model.Event) {
	if c.sink == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.nowFunc()
	}
	if err := c.sink.Emit(ctx, e); err != nil {
		zap.L().Warn("cost: failed to emit event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
