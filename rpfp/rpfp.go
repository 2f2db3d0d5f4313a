// Package rpfp defines the data model of a Relational Post-Fixedpoint
// Problem and the narrow backend interface the solver consumes: a logical
// context, an incremental session, relational transformers and a graph
// container supporting cloning, assertion, interpolation and model
// extraction. The package contains no logic engine of its own; see the
// finite package for a self-contained implementation.
package rpfp

import "fmt"

// Result is the outcome of a backend satisfiability check.
type Result uint8

const (
	Unknown Result = iota
	Sat
	Unsat
)

// String returns the string representation of a check result
func (r Result) String() string {
	switch r {
	case Sat:
		return "sat"
	case Unsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// Formula is an opaque backend formula.
type Formula interface {
	fmt.Stringer
}

// Context provides the boolean connectives the solver needs to build marker
// encodings. All other formula construction is the backend's business.
type Context interface {
	// BoolConst returns the boolean constant with the given name. Two calls
	// with the same name return the same (semantically equal) atom.
	BoolConst(name string) Formula
	BoolVal(v bool) Formula
	And(fs ...Formula) Formula
	Or(fs ...Formula) Formula
	Not(f Formula) Formula
	// Eq reports semantic equality of two formulas.
	Eq(a, b Formula) bool
}

// Session is the backend's incremental solver session. A single session is
// shared by every graph derived from the same root container.
type Session interface {
	Push()
	Pop(n int)
	Add(f Formula)
	Check() Result
	ScopeLevel() int
	// CumulativeDecisions returns a monotone count of backend search
	// decisions, used by the solver to gauge how hard recent queries were.
	CumulativeDecisions() int
}

// Transformer is a relational over- or underapproximation attached to a
// node: a predicate on the node's relation, ordered by implication.
type Transformer interface {
	Formula() Formula
	SetFormula(f Formula)
	SetEmpty()
	SetFull()
	IsEmpty() bool
	IsFull() bool
	UnionWith(other Transformer)
	IntersectWith(other Transformer)
	SubsetEq(other Transformer) bool
	Complement()
	Simplify()
	Clone() Transformer
}

// Body is an edge transformer: the logical rule deriving facts of the parent
// relation from facts of the child relations. Opaque to the solver.
type Body interface {
	fmt.Stringer
}

// Node is a predicate relation, either in an input graph or as an instance
// in a derived graph (an unwinding or a derivation tree). Instances carry a
// pointer to the node they instantiate in Map.
type Node struct {
	Name        string
	Number      int
	Annotation  Transformer
	Bound       Transformer
	Underapprox Transformer
	Incoming    []*Edge
	Outgoing    *Edge
	Map         *Node
}

// Edge connects a parent node to its ordered children under a rule body.
// A nil Map on an edge of a derived graph marks a lower-bound edge: the
// parent is treated as a leaf whose relation is bounded below by the
// annotation it carried when the edge was created.
type Edge struct {
	Parent   *Node
	Children []*Node
	F        Body
	Number   int
	Map      *Edge
}

// IsLeaf reports whether e is a lower-bound edge: no body, the parent is
// bounded below by the annotation it carried when the edge was created.
func (e *Edge) IsLeaf() bool { return e.F == nil }

// Counterexample is a finite derivation tree refuting a bound. The tree is
// owned by whoever holds the Counterexample and must be released with Free.
type Counterexample struct {
	Tree Graph
	Root *Node
}

// Free releases the backend resources held by the tree. Safe to call on the
// zero value and more than once.
func (c *Counterexample) Free() {
	if c.Tree != nil {
		c.Tree.Free()
	}
	c.Tree = nil
	c.Root = nil
}

// Graph is the RPFP container. The solver never builds formulas describing
// graph structure itself; it manipulates graphs through this interface and
// lets the backend translate structure into logic.
//
// Scope discipline: every Push has a matching Pop on all exit paths, and at
// every return from a solver API call the session scope level equals the
// level observed on entry.
type Graph interface {
	Context() Context
	Session() Session

	// NewGraph returns a fresh empty container sharing this graph's context
	// and session.
	NewGraph() Graph

	Nodes() []*Node
	Edges() []*Edge

	// CloneNode creates a node in this graph instantiating src: same name,
	// fresh number, copies of the annotation, bound and underapproximation,
	// and Map set to src.
	CloneNode(src *Node) *Node

	// CreateEdge creates an edge deriving parent from children under f.
	CreateEdge(parent *Node, f Body, children []*Node) *Edge

	// CreateLowerBoundEdge marks node as a leaf bounded below by its
	// current annotation.
	CreateLowerBoundEdge(node *Node) *Edge

	// AssertNode asserts the negation of node's bound, making node a goal
	// for subsequent checks.
	AssertNode(node *Node)

	// AssertEdge asserts the edge constraint. persist asks the backend to
	// keep the assertion past that many pops; cut asserts the partial
	// (cut-off) form used during lazy expansion; underapprox additionally
	// asserts the children's underapproximations as optional lower cutoffs.
	AssertEdge(e *Edge, persist int, cut bool, underapprox bool)

	// Check decides satisfiability of the asserted constraints against
	// root's negated bound. Nodes listed in underLeaves contribute their
	// underapproximation instead of their annotation. On Sat the backend
	// retains a model for Empty, Eval and FixCurrentState.
	Check(root *Node, underLeaves ...*Node) Result

	// CheckUpdateModel is Check under extra assumptions, refreshing the
	// retained model on Sat.
	CheckUpdateModel(root *Node, assumptions []Formula) Result

	// Solve is Check plus, on Unsat, interpolation: every node of the
	// asserted tree rooted at root receives an interpolant annotation.
	// keepInterp asks the backend to keep the interpolants valid for that
	// many pops.
	Solve(root *Node, keepInterp int) Result

	// Empty reports whether node's relation is empty in the retained model.
	Empty(node *Node) bool

	// Eval evaluates f in the retained model, localized at e.
	Eval(e *Edge, f Formula) Formula

	// Localize renames f to the edge-local symbols of e.
	Localize(e *Edge, f Formula) Formula

	// ComputeUnderapprox extends the underapproximations of the asserted
	// tree rooted at root using the retained model; the results stay valid
	// for persist pops.
	ComputeUnderapprox(root *Node, persist int)

	// ComputeProofCore records which asserted edges the current
	// refutation depends on; must be called before popping the scope the
	// refutation was obtained in.
	ComputeProofCore()
	EdgeUsedInProof(e *Edge) bool

	// SolveSingleNode computes an interpolant annotation for one node of a
	// refuted tree.
	SolveSingleNode(root, node *Node)

	// Generalize weakens node's interpolant annotation while keeping the
	// refutation of root valid.
	Generalize(root, node *Node)

	// InterpolateByCases recomputes node's interpolant by case splitting,
	// producing a syntactically simpler formula.
	InterpolateByCases(root, node *Node)

	// ConstrainParent re-asserts the edge constraint of e after node's
	// annotation was strengthened.
	ConstrainParent(e *Edge, node *Node)

	// EvalNodeAsConstraint narrows t to the part of node's annotation
	// realized in the retained model.
	EvalNodeAsConstraint(node *Node, t Transformer)

	// FixCurrentState pins the retained model's valuation of e for the
	// current scope.
	FixCurrentState(e *Edge)

	CountOperators(f Formula) int

	DeleteNode(node *Node)
	DeleteEdge(e *Edge)

	Push()
	Pop(n int)
	// PopPush discards the top scope and opens a fresh one, invalidating
	// the current proof.
	PopPush()

	// Free releases backend resources held by this graph.
	Free()
}
