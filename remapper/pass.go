package remapper

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Level controls how aggressive the remapper is.
type Level int

const (
	// LevelOff disables the pass: the graph is returned unchanged.
	LevelOff Level = iota

	// LevelOn applies fusions whose legality can be proven from constants and shape annotations.
	LevelOn

	// LevelAggressive also trusts the shapes declared by Placeholder nodes, enabling for instance the
	// same-shape addend fusion on graphs fed through placeholders.
	LevelAggressive
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "OFF"
	case LevelOn:
		return "ON"
	case LevelAggressive:
		return "AGGRESSIVE"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses "off", "on" or "aggressive" (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return LevelOff, nil
	case "ON", "":
		return LevelOn, nil
	case "AGGRESSIVE":
		return LevelAggressive, nil
	default:
		return LevelOff, errors.Errorf("unknown remapper level %q, valid values are off, on and aggressive", s)
	}
}

// FusionRecord describes one fusion committed by a pass.
type FusionRecord struct {
	Pattern  string
	Name     string
	Op       string
	FusedOps []string
	Removed  []string
}

// Rejection describes a structural match that was rejected by the legality checks: the nodes
// involved are left as they were.
type Rejection struct {
	Pattern string
	Anchor  string
	Reason  string
}

// Report summarizes one run of the pass.
type Report struct {
	// RunID identifies the run in the logs.
	RunID string
	Level Level

	Fusions    []FusionRecord
	Rejections []Rejection
}

// Optimizer runs the remapper pass with a given configuration. Create it with NewOptimizer.
//
// An Optimizer holds no state across calls to Optimize, and can be used concurrently.
type Optimizer struct {
	level            Level
	enabled, disable []string
}

// Option configures an Optimizer.
type Option func(o *Optimizer)

// WithPatterns restricts the pass to the named patterns. See RegisteredPatterns.
func WithPatterns(names ...string) Option {
	return func(o *Optimizer) {
		o.enabled = append(o.enabled, names...)
	}
}

// WithoutPatterns disables the named patterns.
func WithoutPatterns(names ...string) Option {
	return func(o *Optimizer) {
		o.disable = append(o.disable, names...)
	}
}

// NewOptimizer creates an Optimizer for the given level.
func NewOptimizer(level Level, options ...Option) *Optimizer {
	o := &Optimizer{level: level}
	for _, option := range options {
		option(o)
	}
	return o
}

// Level returns the level the optimizer runs at.
func (o *Optimizer) Level() Level { return o.level }

// Optimize runs the remapper pass over g with the default configuration at the given level.
// See Optimizer.Optimize.
func Optimize(g *Graph, level Level) (*Graph, *Report, error) {
	return NewOptimizer(level).Optimize(g)
}

// patterns returns the selected patterns, sorted by score.
func (o *Optimizer) patterns() ([]Pattern, error) {
	known := sets.Make[string](len(registeredPatterns))
	for _, p := range registeredPatterns {
		known.Insert(p.Name())
	}
	for _, name := range append(append([]string(nil), o.enabled...), o.disable...) {
		if !known.Has(name) {
			return nil, errors.Errorf("unknown pattern %q, registered patterns are %q", name, RegisteredPatterns())
		}
	}
	enabled, disabled := sets.MakeWith(o.enabled...), sets.MakeWith(o.disable...)
	var selected []Pattern
	for _, p := range registeredPatterns {
		if (len(o.enabled) > 0 && !enabled.Has(p.Name())) || disabled.Has(p.Name()) {
			continue
		}
		selected = append(selected, p)
	}
	return sortedByScore(selected), nil
}

// passState is the state of the pass driver, used for logging.
type passState int

const (
	stateScanning passState = iota
	stateMatching
	stateValidating
	stateApplying
	stateDone
)

func (s passState) String() string {
	return [...]string{"Scanning", "Matching", "Validating", "Applying", "Done"}[s]
}

// Optimize returns a copy of g with the fusible chains replaced by fused operations, and a report.
// The input graph is never modified.
//
// Anchors are visited in reverse topological order, so the outermost chains are tried first; at each
// anchor, patterns are tried in descending score and the first structural match is kept: it is
// either rewritten, or rejected (and left as is) if illegal. Nodes bound by a match can't be bound
// again in the same pass. All rewrites are applied at the end of the pass.
//
// Errors wrap ErrMalformedGraph if g is malformed, or ErrInvariantViolation if the rewritten graph
// would be inconsistent. In both cases the caller should keep using g.
func (o *Optimizer) Optimize(g *Graph) (*Graph, *Report, error) {
	report := &Report{RunID: uuid.NewString(), Level: o.level}
	if g == nil {
		return nil, report, errors.Wrap(ErrMalformedGraph, "nil graph")
	}
	if o.level == LevelOff {
		klog.V(1).Infof("remapper[%s]: level %s, graph returned unchanged", report.RunID, o.level)
		return g.Clone(), report, nil
	}
	patterns, err := o.patterns()
	if err != nil {
		return nil, report, err
	}
	idx, err := BuildIndex(g)
	if err != nil {
		return nil, report, errors.WithMessagef(err, "remapper[%s]", report.RunID)
	}

	byAnchor := make(map[OpKind][]Pattern)
	for _, p := range patterns {
		for _, kind := range p.Anchors() {
			byAnchor[kind] = append(byAnchor[kind], p)
		}
	}

	mc := &MatchContext{Index: idx, Level: o.level, claimed: sets.Make[string]()}
	state := stateScanning
	transition := func(to passState, at string) {
		if klog.V(2).Enabled() && to != state {
			klog.Infof("remapper[%s]: %s -> %s at %q", report.RunID, state, to, at)
		}
		state = to
	}

	var plans []plannedRewrite
	order := idx.Order()
	for ii := len(order) - 1; ii >= 0; ii-- {
		anchor := order[ii]
		candidates := byAnchor[anchor.Kind()]
		if len(candidates) == 0 || mc.IsClaimed(anchor.Name) {
			continue
		}
		transition(stateMatching, anchor.Name)
		for _, pattern := range candidates {
			m := pattern.Match(mc, anchor)
			if m == nil {
				continue
			}
			transition(stateValidating, anchor.Name)
			err := checkLegality(mc, m)
			for _, name := range m.NodeNames() {
				mc.claimed.Insert(name)
			}
			if err != nil {
				klog.V(2).Infof("remapper[%s]: %s at %q rejected: %v", report.RunID, pattern.Name(), anchor.Name, err)
				report.Rejections = append(report.Rejections, Rejection{
					Pattern: pattern.Name(),
					Anchor:  anchor.Name,
					Reason:  err.Error(),
				})
				break
			}
			transition(stateApplying, anchor.Name)
			spec := pattern.Rewrite(mc, m)
			plans = append(plans, plannedRewrite{match: m, spec: spec})
			report.Fusions = append(report.Fusions, FusionRecord{
				Pattern:  pattern.Name(),
				Name:     spec.Name,
				Op:       spec.Op,
				FusedOps: spec.FusedOps,
				Removed:  spec.Removed,
			})
			break
		}
		transition(stateScanning, anchor.Name)
	}

	out, err := applyRewrites(g, idx, plans)
	if err != nil {
		return nil, report, errors.WithMessagef(err, "remapper[%s]", report.RunID)
	}
	transition(stateDone, "")
	if klog.V(1).Enabled() {
		for _, f := range report.Fusions {
			klog.Infof("remapper[%s]: fused %q into %s %q", report.RunID, f.FusedOps, f.Op, f.Name)
		}
		klog.Infof("remapper[%s]: level %s, %d nodes -> %d nodes, %d fusions, %d rejections",
			report.RunID, o.level, len(g.Nodes), len(out.Nodes), len(report.Fusions), len(report.Rejections))
	}
	return out, report, nil
}
