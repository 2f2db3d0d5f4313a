// Package duality solves Relational Post-Fixedpoint Problems (RPFP): given a
// possibly cyclic graph of predicate relations connected by Horn-clause-like
// transformers, it either annotates every node with an inductive invariant
// implying its safety bound, or refutes the bounds with a finite derivation
// tree acting as a counterexample.
//
// The engine is a lazy-abstraction-with-interpolants search over an unbounded
// unwinding of the input graph, with covering, conjecture-driven forced
// covering, stratified inlining and underapproximation-guided candidate
// selection. It consumes a logical backend through the narrow interfaces of
// the rpfp package; the finite package provides a self-contained
// finite-domain backend suitable for tests and experimentation.
package duality

import (
	"github.com/blang/semver/v4"
)

// Version of the duality module
var Version = semver.MustParse("0.1.0")
