package solver

import (
	"fmt"
	"io"
	"strconv"
)

// Config is the solver configuration with the options applied.
type Config struct {
	// FullExpand disables partial expansion of derivation trees.
	FullExpand bool
	// NoConj disables conjectures (forced covering).
	NoConj bool
	// FeasibleEdges restricts the unwinding to feasible extension
	// candidates.
	FeasibleEdges bool
	// UseUnderapprox enables underapproximation-guided search.
	UseUnderapprox bool
	// UnderapproxNodes enables covering through dedicated
	// underapproximation nodes.
	UnderapproxNodes bool
	// Report routes the event stream to ReportWriter (standard output when
	// ReportWriter is nil).
	Report       bool
	ReportWriter io.Writer
	// Reporter overrides the event sink entirely; takes precedence over
	// Report.
	Reporter Reporter
	// StratifiedInlining runs the bottom-up inlining pre-pass.
	StratifiedInlining bool
	// RecursionBound bounds back-edge traversals per path; negative
	// disables the bound.
	RecursionBound int
	// EagerExpand generates extension candidates by Cartesian product over
	// sibling instances instead of from induction failures.
	EagerExpand bool
	// MinimizeHarder minimizes induction-failure candidates with iterative
	// solver queries instead of a forward scan.
	MinimizeHarder bool
	// LocalizeConjectures restricts conjecture proofs to the subtree of the
	// covering candidate.
	LocalizeConjectures bool
}

// Option defines an option for altering the behavior of the solver. See the
// descriptions of functions returning instances of this type for implemented
// options.
type Option func(*Config) error

// NewConfig returns a default Config with the given options applied.
func NewConfig(opts ...Option) (Config, error) {
	cfg := Config{
		FeasibleEdges:    true,
		UseUnderapprox:   true,
		UnderapproxNodes: true,
		RecursionBound:   -1,
	}
	for _, option := range opts {
		if err := option(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// WithFullExpand disables partial expansion of derivation trees.
func WithFullExpand() Option {
	return func(cfg *Config) error {
		cfg.FullExpand = true
		return nil
	}
}

// WithNoConj disables conjecture-based forced covering.
func WithNoConj() Option {
	return func(cfg *Config) error {
		cfg.NoConj = true
		return nil
	}
}

// WithFeasibleEdges controls whether extension candidates are checked for
// feasibility before the unwinding is extended.
func WithFeasibleEdges(v bool) Option {
	return func(cfg *Config) error {
		cfg.FeasibleEdges = v
		return nil
	}
}

// WithUnderapprox controls underapproximation-guided search.
func WithUnderapprox(v bool) Option {
	return func(cfg *Config) error {
		cfg.UseUnderapprox = v
		if !v {
			cfg.UnderapproxNodes = false
		}
		return nil
	}
}

// WithUnderapproxNodes controls covering through dedicated
// underapproximation nodes.
func WithUnderapproxNodes(v bool) Option {
	return func(cfg *Config) error {
		cfg.UnderapproxNodes = v
		return nil
	}
}

// WithReport streams solver events to w.
func WithReport(w io.Writer) Option {
	return func(cfg *Config) error {
		cfg.Report = true
		cfg.ReportWriter = w
		return nil
	}
}

// WithReporter installs a custom event sink.
func WithReporter(r Reporter) Option {
	return func(cfg *Config) error {
		cfg.Reporter = r
		return nil
	}
}

// WithStratifiedInlining enables the bottom-up inlining pre-pass.
func WithStratifiedInlining() Option {
	return func(cfg *Config) error {
		cfg.StratifiedInlining = true
		return nil
	}
}

// WithRecursionBound bounds the number of back-edge traversals on any
// unwinding path; a negative bound disables bounded verification.
func WithRecursionBound(k int) Option {
	return func(cfg *Config) error {
		cfg.RecursionBound = k
		return nil
	}
}

// WithEagerExpand selects Cartesian-product candidate generation instead of
// the induction-failure-guided default.
func WithEagerExpand() Option {
	return func(cfg *Config) error {
		cfg.EagerExpand = true
		return nil
	}
}

// WithMinimizeHarder minimizes induction-failure candidates with iterative
// solver queries.
func WithMinimizeHarder() Option {
	return func(cfg *Config) error {
		cfg.MinimizeHarder = true
		return nil
	}
}

// WithLocalizedConjectures restricts conjecture proofs to the covering
// candidate's subtree.
func WithLocalizedConjectures() Option {
	return func(cfg *Config) error {
		cfg.LocalizeConjectures = true
		return nil
	}
}

// SetOption sets a string-keyed option. Recognized names: full_expand,
// no_conj, feasible_edges, use_underapprox, report, stratified_inlining,
// recursion_bound.
func (cfg *Config) SetOption(name, value string) error {
	boolOpt := func(dst *bool) error {
		switch value {
		case "0":
			*dst = false
		case "1":
			*dst = true
		default:
			return fmt.Errorf("option %s: invalid boolean %q", name, value)
		}
		return nil
	}
	switch name {
	case "full_expand":
		return boolOpt(&cfg.FullExpand)
	case "no_conj":
		return boolOpt(&cfg.NoConj)
	case "feasible_edges":
		return boolOpt(&cfg.FeasibleEdges)
	case "use_underapprox":
		if err := boolOpt(&cfg.UseUnderapprox); err != nil {
			return err
		}
		if !cfg.UseUnderapprox {
			cfg.UnderapproxNodes = false
		}
		return nil
	case "report":
		return boolOpt(&cfg.Report)
	case "stratified_inlining":
		return boolOpt(&cfg.StratifiedInlining)
	case "recursion_bound":
		k, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("option %s: %w", name, err)
		}
		cfg.RecursionBound = k
		return nil
	default:
		return fmt.Errorf("unknown option %q", name)
	}
}
