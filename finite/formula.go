// Package finite implements the rpfp backend interfaces over a finite
// integer universe: relations are subsets of [MinValue, MaxValue] stored as
// bitsets, rules are guarded affine images, and satisfiability, models,
// interpolants and proof cores are computed by exact evaluation. It exists
// so the solver can be exercised hermetically, without an external logic
// engine.
package finite

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/duality-solver/duality/rpfp"
)

// Universe bounds. Values outside [MinValue, MaxValue] do not exist: rule
// images are clipped to the universe.
const (
	MinValue = -32
	MaxValue = 95
)

const universeSize = MaxValue - MinValue + 1

// maxAtoms bounds boolean-assignment enumeration; checks over more atoms
// report Unknown.
const maxAtoms = 20

func bit(v int) uint { return uint(v - MinValue) }

// Interval returns the set {lo..hi} clipped to the universe.
func Interval(lo, hi int) *bitset.BitSet {
	s := bitset.New(universeSize)
	lo = max(lo, MinValue)
	hi = min(hi, MaxValue)
	for v := lo; v <= hi; v++ {
		s.Set(bit(v))
	}
	return s
}

// Singleton returns the set {v}.
func Singleton(v int) *bitset.BitSet { return Interval(v, v) }

// AtLeast returns the set {v..MaxValue}.
func AtLeast(v int) *bitset.BitSet { return Interval(v, MaxValue) }

// AtMost returns the set {MinValue..v}.
func AtMost(v int) *bitset.BitSet { return Interval(MinValue, v) }

// Universe returns the full universe.
func Universe() *bitset.BitSet { return Interval(MinValue, MaxValue) }

// EmptySet returns the empty set.
func EmptySet() *bitset.BitSet { return bitset.New(universeSize) }

type kind uint8

const (
	kTrue kind = iota
	kFalse
	kSet
	kAtom
	kAnd
	kOr
	kNot
)

// formula is an immutable boolean combination of value-set atoms (unary
// predicates over the universe) and named boolean atoms (markers).
type formula struct {
	kind kind
	set  *bitset.BitSet
	name string
	args []*formula
}

func setString(s *bitset.BitSet) string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	v := MinValue
	for v <= MaxValue {
		if !s.Test(bit(v)) {
			v++
			continue
		}
		lo := v
		for v <= MaxValue && s.Test(bit(v)) {
			v++
		}
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		if lo == v-1 {
			fmt.Fprintf(&sb, "%d", lo)
		} else {
			fmt.Fprintf(&sb, "%d..%d", lo, v-1)
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

func (f *formula) String() string {
	switch f.kind {
	case kTrue:
		return "true"
	case kFalse:
		return "false"
	case kSet:
		return setString(f.set)
	case kAtom:
		return f.name
	case kNot:
		return "(not " + f.args[0].String() + ")"
	case kAnd, kOr:
		op := "and"
		if f.kind == kOr {
			op = "or"
		}
		parts := make([]string, len(f.args))
		for i, a := range f.args {
			parts[i] = a.String()
		}
		return "(" + op + " " + strings.Join(parts, " ") + ")"
	default:
		return "?"
	}
}

// eval evaluates f at value v under the boolean assignment.
func (f *formula) eval(v int, assign map[string]bool) bool {
	switch f.kind {
	case kTrue:
		return true
	case kFalse:
		return false
	case kSet:
		return f.set.Test(bit(v))
	case kAtom:
		return assign[f.name]
	case kNot:
		return !f.args[0].eval(v, assign)
	case kAnd:
		for _, a := range f.args {
			if !a.eval(v, assign) {
				return false
			}
		}
		return true
	case kOr:
		for _, a := range f.args {
			if a.eval(v, assign) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (f *formula) collectAtoms(into map[string]struct{}) {
	switch f.kind {
	case kAtom:
		into[f.name] = struct{}{}
	case kAnd, kOr, kNot:
		for _, a := range f.args {
			a.collectAtoms(into)
		}
	}
}

// valueFree reports whether f contains no set atoms.
func (f *formula) valueFree() bool {
	switch f.kind {
	case kSet:
		return false
	case kAnd, kOr, kNot:
		for _, a := range f.args {
			if !a.valueFree() {
				return false
			}
		}
	}
	return true
}

// denotation builds the value set of f under a fixed assignment.
func (f *formula) denotation(assign map[string]bool) *bitset.BitSet {
	switch f.kind {
	case kTrue:
		return Universe()
	case kFalse:
		return EmptySet()
	case kSet:
		return f.set.Clone()
	}
	s := bitset.New(universeSize)
	for v := MinValue; v <= MaxValue; v++ {
		if f.eval(v, assign) {
			s.Set(bit(v))
		}
	}
	return s
}

func (f *formula) countOperators() int {
	switch f.kind {
	case kAnd, kOr, kNot:
		n := 1
		for _, a := range f.args {
			n += a.countOperators()
		}
		return n
	default:
		return 0
	}
}

// context implements rpfp.Context over finite formulas.
type context struct {
	tt, ff *formula
	atoms  map[string]*formula
}

func newContext() *context {
	return &context{
		tt:    &formula{kind: kTrue},
		ff:    &formula{kind: kFalse},
		atoms: make(map[string]*formula),
	}
}

func (c *context) BoolConst(name string) rpfp.Formula {
	if a, ok := c.atoms[name]; ok {
		return a
	}
	a := &formula{kind: kAtom, name: name}
	c.atoms[name] = a
	return a
}

func (c *context) BoolVal(v bool) rpfp.Formula {
	if v {
		return c.tt
	}
	return c.ff
}

func asFormula(f rpfp.Formula) *formula { return f.(*formula) }

func (c *context) setFormula(s *bitset.BitSet) *formula {
	switch s.Count() {
	case 0:
		return c.ff
	case universeSize:
		return c.tt
	}
	return &formula{kind: kSet, set: s.Clone()}
}

func (c *context) And(fs ...rpfp.Formula) rpfp.Formula {
	args := make([]*formula, 0, len(fs))
	for _, f := range fs {
		ff := asFormula(f)
		switch ff.kind {
		case kTrue:
			continue
		case kFalse:
			return c.ff
		}
		args = append(args, ff)
	}
	switch len(args) {
	case 0:
		return c.tt
	case 1:
		return args[0]
	}
	return &formula{kind: kAnd, args: args}
}

func (c *context) Or(fs ...rpfp.Formula) rpfp.Formula {
	args := make([]*formula, 0, len(fs))
	for _, f := range fs {
		ff := asFormula(f)
		switch ff.kind {
		case kFalse:
			continue
		case kTrue:
			return c.tt
		}
		args = append(args, ff)
	}
	switch len(args) {
	case 0:
		return c.ff
	case 1:
		return args[0]
	}
	return &formula{kind: kOr, args: args}
}

func (c *context) Not(f rpfp.Formula) rpfp.Formula {
	ff := asFormula(f)
	switch ff.kind {
	case kTrue:
		return c.ff
	case kFalse:
		return c.tt
	case kNot:
		return ff.args[0]
	}
	return &formula{kind: kNot, args: []*formula{ff}}
}

// Eq decides semantic equality by enumeration over the shared atoms and the
// universe.
func (c *context) Eq(a, b rpfp.Formula) bool {
	fa, fb := asFormula(a), asFormula(b)
	return forAllAssignments(atomsOf(fa, fb), func(assign map[string]bool) bool {
		for v := MinValue; v <= MaxValue; v++ {
			if fa.eval(v, assign) != fb.eval(v, assign) {
				return false
			}
		}
		return true
	})
}

func atomsOf(fs ...*formula) []string {
	set := make(map[string]struct{})
	for _, f := range fs {
		f.collectAtoms(set)
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// forAllAssignments reports whether pred holds under every assignment of the
// listed atoms.
func forAllAssignments(atoms []string, pred func(map[string]bool) bool) bool {
	assign := make(map[string]bool, len(atoms))
	var rec func(i int) bool
	rec = func(i int) bool {
		if i == len(atoms) {
			return pred(assign)
		}
		assign[atoms[i]] = false
		if !rec(i + 1) {
			return false
		}
		assign[atoms[i]] = true
		return rec(i + 1)
	}
	return rec(0)
}

// someAssignment finds an assignment satisfying pred, or returns nil.
func someAssignment(atoms []string, pred func(map[string]bool) bool) map[string]bool {
	assign := make(map[string]bool, len(atoms))
	var rec func(i int) map[string]bool
	rec = func(i int) map[string]bool {
		if i == len(atoms) {
			if pred(assign) {
				out := make(map[string]bool, len(assign))
				for k, v := range assign {
					out[k] = v
				}
				return out
			}
			return nil
		}
		assign[atoms[i]] = false
		if m := rec(i + 1); m != nil {
			return m
		}
		assign[atoms[i]] = true
		return rec(i + 1)
	}
	return rec(0)
}
