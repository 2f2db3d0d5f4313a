package finite

import (
	"strconv"

	"github.com/bits-and-blooms/bitset"

	"github.com/duality-solver/duality/rpfp"
)

// transformer is a mutable holder of an immutable formula, ordered by
// semantic implication.
type transformer struct {
	ctx *context
	f   *formula
}

func (c *context) newTransformer(f *formula) *transformer {
	return &transformer{ctx: c, f: f}
}

func (t *transformer) Formula() rpfp.Formula     { return t.f }
func (t *transformer) SetFormula(f rpfp.Formula) { t.f = asFormula(f) }

func (t *transformer) SetEmpty() { t.f = t.ctx.ff }
func (t *transformer) SetFull()  { t.f = t.ctx.tt }

func (t *transformer) IsEmpty() bool {
	return forAllAssignments(atomsOf(t.f), func(assign map[string]bool) bool {
		for v := MinValue; v <= MaxValue; v++ {
			if t.f.eval(v, assign) {
				return false
			}
		}
		return true
	})
}

func (t *transformer) IsFull() bool {
	return forAllAssignments(atomsOf(t.f), func(assign map[string]bool) bool {
		for v := MinValue; v <= MaxValue; v++ {
			if !t.f.eval(v, assign) {
				return false
			}
		}
		return true
	})
}

func (t *transformer) UnionWith(other rpfp.Transformer) {
	t.f = asFormula(t.ctx.Or(t.f, other.Formula()))
}

func (t *transformer) IntersectWith(other rpfp.Transformer) {
	t.f = asFormula(t.ctx.And(t.f, other.Formula()))
}

func (t *transformer) SubsetEq(other rpfp.Transformer) bool {
	of := asFormula(other.Formula())
	return forAllAssignments(atomsOf(t.f, of), func(assign map[string]bool) bool {
		for v := MinValue; v <= MaxValue; v++ {
			if t.f.eval(v, assign) && !of.eval(v, assign) {
				return false
			}
		}
		return true
	})
}

func (t *transformer) Complement() {
	t.f = asFormula(t.ctx.Not(t.f))
}

// Simplify collapses a marker-free formula to a single set atom.
func (t *transformer) Simplify() {
	if len(atomsOf(t.f)) > 0 {
		return
	}
	t.f = t.ctx.setFormula(t.f.denotation(nil))
}

func (t *transformer) Clone() rpfp.Transformer {
	return &transformer{ctx: t.ctx, f: t.f}
}

// Rule is an edge body: the parent relation receives x+Shift for every x
// admitted by Guard and shared by all child relations. A nullary rule draws
// x from Base instead. Images are clipped to the universe.
type Rule struct {
	Shift int
	Guard *bitset.BitSet
	Base  *bitset.BitSet
}

func (r *Rule) String() string {
	base := "children"
	if r.Base != nil {
		base = setString(r.Base)
	}
	guard := ""
	if r.Guard != nil {
		guard = " if " + setString(r.Guard)
	}
	if r.Shift == 0 {
		return base + guard
	}
	return base + guard + " + " + strconv.Itoa(r.Shift)
}

// Image applies the rule to the admitted x values.
func (r *Rule) Image(xs *bitset.BitSet) *bitset.BitSet {
	if r.Guard != nil {
		xs = xs.Intersection(r.Guard)
	}
	out := bitset.New(universeSize)
	for v := MinValue; v <= MaxValue; v++ {
		if xs.Test(bit(v)) && v+r.Shift >= MinValue && v+r.Shift <= MaxValue {
			out.Set(bit(v + r.Shift))
		}
	}
	return out
}
