package solver

import (
	"fmt"
	"io"

	"github.com/duality-solver/duality/rpfp"
)

// Reporter is a sink for diagnostic events emitted during a solve. Every
// method is side-effect-only: callers never depend on a result, calls with
// the same node may repeat, and implementations must not fail.
type Reporter interface {
	Extend(node *rpfp.Node)
	Update(node *rpfp.Node, update rpfp.Transformer)
	Bound(node *rpfp.Node)
	Expand(edge *rpfp.Edge)
	AddCover(covered *rpfp.Node, covering []*rpfp.Node)
	RemoveCover(covered, covering *rpfp.Node)
	Conjecture(node *rpfp.Node, t rpfp.Transformer)
	Forcing(covered, covering *rpfp.Node)
	Dominates(node, other *rpfp.Node)
	InductionFailure(edge *rpfp.Edge, children []*rpfp.Node)
	UpdateUnderapprox(node *rpfp.Node, update rpfp.Transformer)
	Reject(edge *rpfp.Edge, children []*rpfp.Node)
	Message(msg string)
}

// nopReporter discards all events.
type nopReporter struct{}

func (nopReporter) Extend(*rpfp.Node)                              {}
func (nopReporter) Update(*rpfp.Node, rpfp.Transformer)            {}
func (nopReporter) Bound(*rpfp.Node)                               {}
func (nopReporter) Expand(*rpfp.Edge)                              {}
func (nopReporter) AddCover(*rpfp.Node, []*rpfp.Node)              {}
func (nopReporter) RemoveCover(*rpfp.Node, *rpfp.Node)             {}
func (nopReporter) Conjecture(*rpfp.Node, rpfp.Transformer)        {}
func (nopReporter) Forcing(*rpfp.Node, *rpfp.Node)                 {}
func (nopReporter) Dominates(*rpfp.Node, *rpfp.Node)               {}
func (nopReporter) InductionFailure(*rpfp.Edge, []*rpfp.Node)      {}
func (nopReporter) UpdateUnderapprox(*rpfp.Node, rpfp.Transformer) {}
func (nopReporter) Reject(*rpfp.Edge, []*rpfp.Node)                {}
func (nopReporter) Message(string)                                 {}

// StreamReporter prints a numbered event stream, one line per event, in the
// format `[<seq>] <kind> <payload>`.
type StreamReporter struct {
	w     io.Writer
	event int
}

// NewStreamReporter returns a StreamReporter writing to w.
func NewStreamReporter(w io.Writer) *StreamReporter {
	return &StreamReporter{w: w}
}

func (r *StreamReporter) ev() {
	fmt.Fprintf(r.w, "[%d] ", r.event)
	r.event++
}

func (r *StreamReporter) Extend(node *rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "node %d: %s", node.Number, node.Name)
	if node.Outgoing != nil {
		for _, c := range node.Outgoing.Children {
			fmt.Fprintf(r.w, " %d", c.Number)
		}
	}
	fmt.Fprintln(r.w)
}

func (r *StreamReporter) Update(node *rpfp.Node, update rpfp.Transformer) {
	r.ev()
	fmt.Fprintf(r.w, "update %d %s: %s\n", node.Number, node.Name, update.Formula())
}

func (r *StreamReporter) Bound(node *rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "check %d\n", node.Number)
}

func (r *StreamReporter) Expand(edge *rpfp.Edge) {
	node := edge.Parent
	r.ev()
	fmt.Fprintf(r.w, "expand %d %s\n", node.Map.Number, node.Name)
}

func (r *StreamReporter) AddCover(covered *rpfp.Node, covering []*rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "cover %s: %d by", covered.Name, covered.Number)
	for _, n := range covering {
		fmt.Fprintf(r.w, " %d", n.Number)
	}
	fmt.Fprintln(r.w)
}

func (r *StreamReporter) RemoveCover(covered, covering *rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "uncover %s: %d by %d\n", covered.Name, covered.Number, covering.Number)
}

func (r *StreamReporter) Forcing(covered, covering *rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "forcing %s: %d by %d\n", covered.Name, covered.Number, covering.Number)
}

func (r *StreamReporter) Conjecture(node *rpfp.Node, t rpfp.Transformer) {
	r.ev()
	fmt.Fprintf(r.w, "conjecture %d %s: %s\n", node.Number, node.Name, t.Formula())
}

func (r *StreamReporter) Dominates(node, other *rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "dominates %s: %d > %d\n", node.Name, node.Number, other.Number)
}

func (r *StreamReporter) InductionFailure(edge *rpfp.Edge, children []*rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "induction failure: %s, children =", edge.Parent.Name)
	for _, c := range children {
		fmt.Fprintf(r.w, " %d", c.Number)
	}
	fmt.Fprintln(r.w)
}

func (r *StreamReporter) UpdateUnderapprox(node *rpfp.Node, update rpfp.Transformer) {
	r.ev()
	fmt.Fprintf(r.w, "underapprox %d %s: %s\n", node.Number, node.Name, update.Formula())
}

func (r *StreamReporter) Reject(edge *rpfp.Edge, children []*rpfp.Node) {
	r.ev()
	fmt.Fprintf(r.w, "reject %d %s:", edge.Parent.Number, edge.Parent.Name)
	for _, c := range children {
		fmt.Fprintf(r.w, " %d", c.Number)
	}
	fmt.Fprintln(r.w)
}

func (r *StreamReporter) Message(msg string) {
	r.ev()
	fmt.Fprintf(r.w, "msg %s\n", msg)
}
