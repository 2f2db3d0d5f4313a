package rpfp

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Marshaler is implemented by backends whose counterexample trees can be
// persisted and later replayed through Solver.LearnFrom.
type Marshaler interface {
	// MarshalCounterexample encodes the tree rooted at root.
	MarshalCounterexample(root *Node) ([]byte, error)
	// UnmarshalCounterexample decodes data into a fresh tree sharing this
	// graph's context and session, returning the new tree and its root.
	UnmarshalCounterexample(data []byte) (Graph, *Node, error)
}

var (
	// ErrNotMarshalable is returned when the backend of a counterexample
	// tree does not implement Marshaler.
	ErrNotMarshalable = errors.New("backend does not support counterexample serialization")
	// ErrInvalidEnvelope is returned when a serialized counterexample has
	// an unrecognized framing.
	ErrInvalidEnvelope = errors.New("invalid counterexample envelope")
)

const cexEnvelopeVersion = 1

type cexEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Version uint32
	Payload []byte
}

// WriteCounterexample serializes cex to w. The backend of cex.Tree must
// implement Marshaler.
func WriteCounterexample(w io.Writer, cex Counterexample) error {
	m, ok := cex.Tree.(Marshaler)
	if !ok {
		return ErrNotMarshalable
	}
	payload, err := m.MarshalCounterexample(cex.Root)
	if err != nil {
		return fmt.Errorf("marshal counterexample: %w", err)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return err
	}
	blob, err := enc.Marshal(cexEnvelope{Version: cexEnvelopeVersion, Payload: payload})
	if err != nil {
		return err
	}
	_, err = w.Write(blob)
	return err
}

// ReadCounterexample deserializes a counterexample from r into a fresh tree
// backed by g, which must implement Marshaler. The caller owns the result.
func ReadCounterexample(r io.Reader, g Graph) (Counterexample, error) {
	m, ok := g.(Marshaler)
	if !ok {
		return Counterexample{}, ErrNotMarshalable
	}
	blob, err := io.ReadAll(r)
	if err != nil {
		return Counterexample{}, err
	}
	var env cexEnvelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return Counterexample{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Version != cexEnvelopeVersion {
		return Counterexample{}, fmt.Errorf("%w: version %d", ErrInvalidEnvelope, env.Version)
	}
	tree, root, err := m.UnmarshalCounterexample(env.Payload)
	if err != nil {
		return Counterexample{}, fmt.Errorf("unmarshal counterexample: %w", err)
	}
	return Counterexample{Tree: tree, Root: root}, nil
}
