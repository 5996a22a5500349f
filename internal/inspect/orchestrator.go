package inspect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"olav/internal/fleet"
	"olav/internal/inventory"
	"olav/internal/knowledge"
	"olav/internal/skill"
	"olav/internal/types"
)

// Config bounds orchestrator runs.
type Config struct {
	Concurrency      int           // devices in flight per inspection (10)
	MaxInspections   int64         // concurrent inspections per process (4)
	CancelGrace      time.Duration // wait for in-flight tasks after cancel (5s)
	DeviceTimeoutMin time.Duration // clamp floor for per-device timeout (30s)
	DeviceTimeoutMax time.Duration // clamp ceiling (600s)
	SpillTokens      int           // report size that forces a file spill (20000)
	SpillDir         string        // spilled report directory
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.MaxInspections <= 0 {
		c.MaxInspections = 4
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.DeviceTimeoutMin <= 0 {
		c.DeviceTimeoutMin = 30 * time.Second
	}
	if c.DeviceTimeoutMax <= 0 {
		c.DeviceTimeoutMax = 600 * time.Second
	}
	if c.SpillTokens <= 0 {
		c.SpillTokens = 20000
	}
}

// Orchestrator schedules inspections. store may be nil (persist disabled).
type Orchestrator struct {
	catalog *skill.Catalog
	engine  *fleet.Engine
	store   *knowledge.Store
	cfg     Config
	log     *zap.Logger
	sem     *semaphore.Weighted
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(catalog *skill.Catalog, engine *fleet.Engine, store *knowledge.Store, cfg Config, log *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		catalog: catalog,
		engine:  engine,
		store:   store,
		cfg:     cfg,
		log:     log,
		sem:     semaphore.NewWeighted(cfg.MaxInspections),
	}
}

// ===== PLAN PREPARATION =====

// Prepare resolves the skill and scope into an executable plan. An empty
// scope is an EmptyScope error; a dry-run plan is returned without any
// device contact either way.
func (o *Orchestrator) Prepare(ctx context.Context, skillID, selector string, params map[string]any, dryRun bool) (*Plan, error) {
	sk, err := o.catalog.Get(skillID)
	if err != nil {
		return nil, err
	}
	bound, err := sk.BindParameters(params)
	if err != nil {
		return nil, err
	}
	res, err := o.engine.Resolve(ctx, selector)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:            uuid.NewString(),
		SkillID:       sk.ID,
		Selector:      selector,
		Parameters:    bound,
		Devices:       res.Resolved,
		DryRun:        dryRun,
		DeviceTimeout: o.deviceTimeout(sk),
		CreatedAt:     time.Now().UTC(),
		skill:         sk,
	}
	o.log.Info("inspection planned",
		zap.String("plan", plan.ID),
		zap.String("skill", sk.ID),
		zap.Int("devices", len(plan.Devices)),
		zap.Duration("device_timeout", plan.DeviceTimeout),
		zap.Bool("dry_run", dryRun))
	return plan, nil
}

// deviceTimeout is estimated_runtime×3 clamped to the configured window.
func (o *Orchestrator) deviceTimeout(sk *skill.Skill) time.Duration {
	t := sk.EstimatedRuntime * 3
	if t < o.cfg.DeviceTimeoutMin {
		t = o.cfg.DeviceTimeoutMin
	}
	if t > o.cfg.DeviceTimeoutMax {
		t = o.cfg.DeviceTimeoutMax
	}
	return t
}

// ===== MAP PHASE =====

// Run executes a prepared plan. Cancelling ctx stops scheduling, grants
// in-flight devices the grace period, and still reduces the completed
// summaries into a partial report. Busy when the process-wide inspection
// gate is full.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan, persist bool) (*Report, error) {
	if plan.skill == nil {
		return nil, types.NewError(types.KindInternal, "plan was not prepared")
	}
	if !o.sem.TryAcquire(1) {
		return nil, types.Errorf(types.KindBusy, "inspection limit reached (%d concurrent)", o.cfg.MaxInspections)
	}
	defer o.sem.Release(1)

	started := time.Now().UTC()
	o.log.Info("inspection started", zap.String("plan", plan.ID), zap.Int("devices", len(plan.Devices)))

	// Workers outlive a caller cancel by the grace period, so they run on
	// a context detached from the caller's.
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workCancel()

	queue := make(chan inventory.Device, 2*o.cfg.Concurrency)
	go func() {
		defer close(queue)
		for _, dev := range plan.Devices {
			select {
			case queue <- dev:
			case <-ctx.Done():
				return
			}
		}
	}()

	var mu sync.Mutex
	summaries := make(map[string]*DeviceSummary, len(plan.Devices))
	var wg sync.WaitGroup
	for w := 0; w < o.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dev := range queue {
				if ctx.Err() != nil {
					// Cancelled: drain the queue without starting new
					// devices. A partial report covers only devices that
					// actually ran.
					continue
				}
				summary := o.inspectDevice(workCtx, plan, dev)
				mu.Lock()
				summaries[dev.Name] = summary
				mu.Unlock()
			}
		}()
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	cancelled := false
	select {
	case <-workersDone:
	case <-ctx.Done():
		cancelled = true
		o.log.Warn("inspection cancelled, draining in-flight devices",
			zap.String("plan", plan.ID), zap.Duration("grace", o.cfg.CancelGrace))
		select {
		case <-workersDone:
		case <-time.After(o.cfg.CancelGrace):
			// Abandon whatever is still running; their sessions die with
			// the context and the pool marks them dead.
			workCancel()
			<-workersDone
		}
	}

	report := o.reduce(plan, summaries, cancelled, started)
	if persist && !cancelled && len(report.PerDevice) > 0 {
		o.persist(report)
	}
	o.log.Info("inspection finished",
		zap.String("plan", plan.ID),
		zap.Any("tiers", report.Aggregate.Tiers),
		zap.Bool("cancelled", cancelled),
		zap.Int("tokens_in", report.TokensIn),
		zap.Int("tokens_out", report.TokensOut))
	return report, nil
}

// inspectDevice runs the skill's sequence on one device. Errors tier the
// device FAIL; an unsupported platform tiers it SKIPPED.
func (o *Orchestrator) inspectDevice(ctx context.Context, plan *Plan, dev inventory.Device) *DeviceSummary {
	started := time.Now()
	summary := &DeviceSummary{Device: dev.Name, Platform: dev.Platform, Tier: TierPass}
	defer func() { summary.DurationMS = time.Since(started).Milliseconds() }()

	steps := plan.skill.StepsFor(dev.Platform)
	if steps == nil {
		summary.Tier = TierSkipped
		summary.Reason = "UnsupportedPlatform"
		return summary
	}

	dctx, cancel := context.WithTimeout(ctx, plan.DeviceTimeout)
	defer cancel()

	// Consecutive independent steps fan out; everything else serializes.
	for i := 0; i < len(steps); {
		j := i
		for j < len(steps) && steps[j].Independent {
			j++
		}
		if j > i {
			o.runParallel(dctx, plan, dev, steps[i:j], summary)
			i = j
			continue
		}
		o.runStep(dctx, plan, dev, steps[i], summary)
		if summary.Tier == TierFail && summary.ErrorKind != "" {
			// The device is unreachable or refusing us; the rest of the
			// sequence cannot produce anything meaningful.
			return summary
		}
		i++
	}
	return summary
}

func (o *Orchestrator) runParallel(ctx context.Context, plan *Plan, dev inventory.Device, steps []skill.Step, summary *DeviceSummary) {
	results := make([]StepResult, len(steps))
	var g errgroup.Group
	for n := range steps {
		n := n
		g.Go(func() error {
			results[n] = o.executeStep(ctx, plan, dev, steps[n])
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
	for _, r := range results {
		summary.Steps = append(summary.Steps, r)
		o.applyStep(summary, r)
	}
}

func (o *Orchestrator) runStep(ctx context.Context, plan *Plan, dev inventory.Device, step skill.Step, summary *DeviceSummary) {
	r := o.executeStep(ctx, plan, dev, step)
	summary.Steps = append(summary.Steps, r)
	o.applyStep(summary, r)
}

// applyStep folds one step outcome into the device tier. FAIL dominates
// WARNING dominates PASS.
func (o *Orchestrator) applyStep(summary *DeviceSummary, r StepResult) {
	if !r.Success {
		summary.Tier = TierFail
		summary.ErrorKind = r.ErrorKind
		summary.Reason = r.ErrorMessage
		return
	}
	if len(r.Issues) > 0 && summary.Tier != TierFail {
		if hasFailIssue(r) {
			summary.Tier = TierFail
		} else if summary.Tier == TierPass {
			summary.Tier = TierWarning
		}
	}
}

// executeStep runs one command through the fleet engine with a single
// backoff retry on transport and timeout errors.
func (o *Orchestrator) executeStep(ctx context.Context, plan *Plan, dev inventory.Device, step skill.Step) StepResult {
	run := skill.BindCommand(step.Run, plan.Parameters)
	out := StepResult{Command: run}
	started := time.Now()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	res, err := backoff.RetryWithData(func() (*fleet.ExecutionResult, error) {
		r, err := o.engine.Execute(ctx, dev.Name, run, fleet.Options{
			Timeout:  plan.DeviceTimeout,
			Parse:    step.Parse,
			ThreadID: plan.ThreadID,
		})
		if err != nil {
			switch types.KindOf(err) {
			case types.KindTransport, types.KindTimeout:
				return nil, err
			default:
				return nil, backoff.Permanent(err)
			}
		}
		return r, nil
	}, policy)
	out.DurationMS = time.Since(started).Milliseconds()

	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		out.ErrorKind = types.KindOf(err)
		out.ErrorMessage = err.Error()
		return out
	}

	out.Success = true
	out.TokensRaw = res.TokensRaw
	out.TokensParsed = res.TokensParsed
	o.applyCriteria(&out, step, res)
	return out
}

// applyCriteria evaluates the step's acceptance criteria over parsed rows.
// A fail match is recorded as "fail: <criteria>", a warn match as
// "warn: <criteria>".
func (o *Orchestrator) applyCriteria(out *StepResult, step skill.Step, res *fleet.ExecutionResult) {
	if len(res.Parsed) == 0 {
		return
	}
	if expr := step.FailExpr(); expr != nil && expr.EvalAny(res.Parsed) {
		out.Issues = append(out.Issues, "fail: "+step.Fail)
	}
	if expr := step.WarnExpr(); expr != nil && expr.EvalAny(res.Parsed) {
		out.Issues = append(out.Issues, "warn: "+step.Warn)
	}
	sort.Strings(out.Issues)
}

func hasFailIssue(r StepResult) bool {
	for _, issue := range r.Issues {
		if len(issue) >= 5 && issue[:5] == "fail:" {
			return true
		}
	}
	return false
}
