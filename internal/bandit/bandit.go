// Package bandit implements Thompson sampling over (provider, model) arms,
// bucketed by routing context.
package bandit

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// Arm identifies a candidate (provider, model) pair
type Arm struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Key returns "provider/model"
func (a Arm) Key() string {
	return a.Provider + "/" + a.Model
}

// ArmOf returns the arm of a registry spec
func ArmOf(spec types.ModelSpec) Arm {
	return Arm{Provider: spec.Provider, Model: spec.ModelID}
}

// Context buckets requests for learning
type Context struct {
	Domain string           `json:"domain"`
	Budget types.BudgetTier `json:"budget"`
}

// Key returns the bucket key of the context
func (c Context) Key() string {
	domain := c.Domain
	if domain == "" {
		domain = "general"
	}
	budget := c.Budget
	if budget == "" {
		budget = types.BudgetStandard
	}
	return domain + "|" + string(budget)
}

// ContextOf derives the bandit context of a routing context
func ContextOf(rc types.RouterInputContext) Context {
	return Context{Domain: rc.Domain, Budget: types.ParseBudgetTier(string(rc.Budget))}
}

// Outcome is one completed request
type Outcome struct {
	Success   bool
	Cost      float64
	LatencyMs float64
}

// Stats are the per (arm, context) counters
type Stats struct {
	Successes    uint64    `json:"successes"`
	Failures     uint64    `json:"failures"`
	AvgCost      float64   `json:"avg_cost"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	AvgReward    float64   `json:"avg_reward"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Trials is the number of recorded outcomes
func (s Stats) Trials() uint64 {
	return s.Successes + s.Failures
}

func (s Stats) alpha() float64 { return float64(s.Successes) + 1 }
func (s Stats) beta() float64  { return float64(s.Failures) + 1 }

// Mean is the posterior mean of Beta(successes+1, failures+1)
func (s Stats) Mean() float64 {
	a, b := s.alpha(), s.beta()
	return a / (a + b)
}

// StdDev is the posterior standard deviation
func (s Stats) StdDev() float64 {
	a, b := s.alpha(), s.beta()
	return math.Sqrt(a * b / ((a + b) * (a + b) * (a + b + 1)))
}

type bucket struct {
	ctx   Context
	mu    sync.Mutex
	stats map[Arm]*Stats
}

// Bandit is safe for concurrent use. Each context bucket has its own lock,
// so a Record is visible to the next Choose on the same context.
type Bandit struct {
	mu      sync.RWMutex
	arms    map[Arm]struct{}
	buckets map[string]*bucket

	rngMu sync.Mutex
	src   rand.Source

	logger *logrus.Logger
}

// Option configures a Bandit
type Option func(*Bandit)

// WithSeed makes sampling reproducible
func WithSeed(seed uint64) Option {
	return func(b *Bandit) {
		b.src = rand.NewPCG(seed, seed)
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(b *Bandit) {
		b.logger = logger
	}
}

// New creates a bandit with the given arms registered
func New(arms []Arm, opts ...Option) *Bandit {
	b := &Bandit{
		arms:    make(map[Arm]struct{}, len(arms)),
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.src == nil {
		seed := uint64(time.Now().UnixNano())
		b.src = rand.NewPCG(seed, seed>>7)
	}
	if b.logger == nil {
		b.logger = logrus.New()
	}
	for _, arm := range arms {
		b.arms[arm] = struct{}{}
	}
	return b
}

// Register adds an arm with a uniform prior in every context
func (b *Bandit) Register(arm Arm) {
	b.mu.Lock()
	b.arms[arm] = struct{}{}
	b.mu.Unlock()
}

// Arms returns registered arms sorted by key
func (b *Bandit) Arms() []Arm {
	b.mu.RLock()
	defer b.mu.RUnlock()

	arms := make([]Arm, 0, len(b.arms))
	for arm := range b.arms {
		arms = append(arms, arm)
	}
	sort.Slice(arms, func(i, j int) bool { return arms[i].Key() < arms[j].Key() })
	return arms
}

// Choose draws one sample per arm from its Beta posterior and returns the
// arm with the highest sample. ok is false when no arms are registered.
func (b *Bandit) Choose(ctx Context) (Arm, bool) {
	return b.ChooseAmong(ctx, b.Arms())
}

// ChooseAmong restricts Choose to candidates
func (b *Bandit) ChooseAmong(ctx Context, candidates []Arm) (Arm, bool) {
	if len(candidates) == 0 {
		return Arm{}, false
	}
	bk := b.bucketFor(ctx)

	bk.mu.Lock()
	params := make([][2]float64, len(candidates))
	for i, arm := range candidates {
		st := Stats{}
		if s, ok := bk.stats[arm]; ok {
			st = *s
		}
		params[i] = [2]float64{st.alpha(), st.beta()}
	}
	bk.mu.Unlock()

	best, bestSample := 0, -1.0
	for i, p := range params {
		sample := b.sample(p[0], p[1])
		if sample > bestSample {
			best, bestSample = i, sample
		}
	}
	return candidates[best], true
}

// Record folds one outcome into the (arm, context) counters
func (b *Bandit) Record(arm Arm, ctx Context, outcome Outcome) {
	b.Register(arm)
	bk := b.bucketFor(ctx)

	bk.mu.Lock()
	st, ok := bk.stats[arm]
	if !ok {
		st = &Stats{}
		bk.stats[arm] = st
	}
	if outcome.Success {
		st.Successes++
	} else {
		st.Failures++
	}
	n := float64(st.Trials())
	st.AvgCost += (outcome.Cost - st.AvgCost) / n
	st.AvgLatencyMs += (outcome.LatencyMs - st.AvgLatencyMs) / n
	st.AvgReward += (Reward(outcome) - st.AvgReward) / n
	st.LastUpdated = time.Now()
	bk.mu.Unlock()
}

// Mean returns the posterior mean of arm under ctx, 0.5 when unseen
func (b *Bandit) Mean(arm Arm, ctx Context) float64 {
	return b.statsFor(arm, ctx).Mean()
}

// BestArm returns the arm with the highest posterior mean, with a confidence
// of 1 - 2*stddev clamped to [0,1]. Ties go to the lexically smaller key.
func (b *Bandit) BestArm(ctx Context) (Arm, float64, bool) {
	arms := b.Arms()
	if len(arms) == 0 {
		return Arm{}, 0, false
	}

	var best Arm
	var bestStats Stats
	bestMean := -1.0
	for _, arm := range arms {
		st := b.statsFor(arm, ctx)
		if m := st.Mean(); m > bestMean {
			best, bestStats, bestMean = arm, st, m
		}
	}

	confidence := 1 - 2*bestStats.StdDev()
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return best, confidence, true
}

// Reset clears one context's statistics, or all when ctx is nil
func (b *Bandit) Reset(ctx *Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ctx == nil {
		b.buckets = make(map[string]*bucket)
		b.logger.Info("Bandit statistics reset for all contexts")
		return
	}
	delete(b.buckets, ctx.Key())
	b.logger.WithField("context", ctx.Key()).Info("Bandit statistics reset")
}

// Contexts returns the contexts that have recorded outcomes, sorted by key
func (b *Bandit) Contexts() []Context {
	b.mu.RLock()
	out := make([]Context, 0, len(b.buckets))
	for _, bk := range b.buckets {
		out = append(out, bk.ctx)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snapshot copies every recorded counter, keyed by context then arm
func (b *Bandit) Snapshot() map[string]map[string]Stats {
	b.mu.RLock()
	keys := make([]string, 0, len(b.buckets))
	buckets := make([]*bucket, 0, len(b.buckets))
	for k, bk := range b.buckets {
		keys = append(keys, k)
		buckets = append(buckets, bk)
	}
	b.mu.RUnlock()

	out := make(map[string]map[string]Stats, len(keys))
	for i, bk := range buckets {
		bk.mu.Lock()
		arms := make(map[string]Stats, len(bk.stats))
		for arm, st := range bk.stats {
			arms[arm.Key()] = *st
		}
		bk.mu.Unlock()
		out[keys[i]] = arms
	}
	return out
}

func (b *Bandit) statsFor(arm Arm, ctx Context) Stats {
	b.mu.RLock()
	bk, ok := b.buckets[ctx.Key()]
	b.mu.RUnlock()
	if !ok {
		return Stats{}
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()
	if st, ok := bk.stats[arm]; ok {
		return *st
	}
	return Stats{}
}

func (b *Bandit) bucketFor(ctx Context) *bucket {
	key := ctx.Key()

	b.mu.RLock()
	bk, ok := b.buckets[key]
	b.mu.RUnlock()
	if ok {
		return bk
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok = b.buckets[key]; ok {
		return bk
	}
	bk = &bucket{ctx: ctx, stats: make(map[Arm]*Stats)}
	b.buckets[key] = bk
	return bk
}

func (b *Bandit) sample(alpha, beta float64) float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return distuv.Beta{Alpha: alpha, Beta: beta, Src: b.src}.Rand()
}

// Reward scores an outcome in [0,1]: zero on failure, otherwise a success
// bonus plus cost and latency efficiency
func Reward(o Outcome) float64 {
	if !o.Success {
		return 0
	}
	costNorm := math.Min(o.Cost/0.1, 1)
	latencyNorm := math.Min(o.LatencyMs/1000, 1)
	return (1-costNorm)*0.3 + (1-latencyNorm)*0.3 + 0.4
}
