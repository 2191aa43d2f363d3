package kaiku

import (
	"sync/atomic"

	"github.com/viterin/vek/vek32"
)

// BoxNode is a container: it owns an ordered sequence of child nodes and
// sums their outputs into its own. Children live behind an atomically
// swapped immutable snapshot, so the audio goroutine iterates without
// locking while the control goroutine mutates copy-on-write. An in-flight
// block pins the snapshot it loaded, which keeps a removed child alive until
// the block drains.
type BoxNode struct {
	NodeState

	children atomic.Pointer[[]Node]

	// Per-child mix scratch, preallocated so summing never allocates on the
	// audio path.
	scratch     []float32
	scratchPtrs [][]float32
}

func NewBoxNode(name string) *BoxNode {
	b := &BoxNode{
		scratch:     make([]float32, MaxChannels*MaxBlockSize),
		scratchPtrs: make([][]float32, MaxChannels),
	}
	b.init(name)
	empty := []Node{}
	b.children.Store(&empty)
	return b
}

func (b *BoxNode) Type() NodeType { return NodeBox }

// Children returns the current snapshot. Safe from any goroutine; the slice
// is immutable.
func (b *BoxNode) Children() []Node { return *b.children.Load() }

func (b *BoxNode) NumChildren() int { return len(b.Children()) }

// AddChild appends n. Control goroutine only.
func (b *BoxNode) AddChild(n Node) {
	n.Base().SetParent(b)
	old := b.Children()
	next := make([]Node, len(old)+1)
	copy(next, old)
	next[len(old)] = n
	b.children.Store(&next)
}

// RemoveChild unlinks the child with the given UUID and returns it, or nil
// when absent. Control goroutine only.
func (b *BoxNode) RemoveChild(uuid string) Node {
	old := b.Children()
	for i, n := range old {
		if n.UUID() != uuid {
			continue
		}
		next := make([]Node, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		b.children.Store(&next)
		n.Base().SetParent(nil)
		return n
	}
	return nil
}

// ClearChildren unlinks every child. Control goroutine only.
func (b *BoxNode) ClearChildren() {
	old := b.Children()
	empty := []Node{}
	b.children.Store(&empty)
	for _, n := range old {
		n.Base().SetParent(nil)
	}
}

func (b *BoxNode) IntrinsicDuration() int64 { return 0 }

// EffectiveQuantum resolves the grid unit for this subtree: the first
// quantum found walking ancestors, else the container's own derived quantum.
func (b *BoxNode) EffectiveQuantum() int64 {
	if p := b.Parent(); p != nil {
		if q := p.EffectiveQuantum(); q > 0 {
			return q
		}
	}
	return b.PrimaryQuantum()
}

// PrimaryQuantum derives the container's own grid unit from the first child
// in insertion order with a committed duration; 0 when none has committed.
func (b *BoxNode) PrimaryQuantum() int64 {
	for _, child := range b.Children() {
		if d := child.IntrinsicDuration(); d > 0 {
			return d
		}
	}
	return 0
}

// Process forwards the block to each child in insertion order, summing the
// per-child scratch into the outputs. Hardware inputs pass through
// unchanged. Summation is plain float addition; the engine pre-clears the
// outermost outputs.
func (b *BoxNode) Process(inputs, outputs [][]float32, numIn, numOut int, ctx *ProcessContext) {
	children := b.Children()
	if len(children) == 0 {
		return
	}

	n := ctx.NumSamples
	if n > MaxBlockSize {
		n = MaxBlockSize
	}
	nc := numOut
	if nc > MaxChannels {
		nc = MaxChannels
	}
	for ch := 0; ch < nc; ch++ {
		b.scratchPtrs[ch] = b.scratch[ch*MaxBlockSize : ch*MaxBlockSize+n]
	}

	sub := *ctx
	sub.NumSamples = n

	var peak float32
	for _, child := range children {
		for ch := 0; ch < nc; ch++ {
			clear(b.scratchPtrs[ch])
		}
		child.Process(inputs, b.scratchPtrs[:nc], numIn, nc, &sub)
		for ch := 0; ch < nc; ch++ {
			if ch >= len(outputs) || outputs[ch] == nil {
				continue
			}
			out := outputs[ch]
			m := n
			if m > len(out) {
				m = len(out)
			}
			vek32.Add_Inplace(out[:m], b.scratchPtrs[ch][:m])
		}
		if p := child.Base().LastBlockPeak(); p > peak {
			peak = p
		}
	}
	b.blockPeak.Store(peak)
}

// Waveform aggregates the children's peak arrays: a single child
// short-circuits to its own waveform, multiple children report the per-bin
// mean.
func (b *BoxNode) Waveform(numPeaks int) []float32 {
	children := b.Children()
	if len(children) == 0 || numPeaks <= 0 {
		return []float32{}
	}
	if len(children) == 1 {
		return children[0].Waveform(numPeaks)
	}
	agg := make([]float32, numPeaks)
	for _, child := range children {
		cw := child.Waveform(numPeaks)
		m := len(cw)
		if m > numPeaks {
			m = numPeaks
		}
		if m > 0 {
			vek32.Add_Inplace(agg[:m], cw[:m])
		}
	}
	vek32.DivNumber_Inplace(agg, float32(len(children)))
	return agg
}

func (b *BoxNode) Metadata() Value {
	m := b.baseMetadata(b)
	m.Set("childCount", IntValue(int64(b.NumChildren())))
	m.Set("primaryQuantum", IntValue(b.PrimaryQuantum()))
	return m
}
