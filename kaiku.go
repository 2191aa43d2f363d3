// Package kaiku implements a quantum-locked live looping engine. Audio
// passages recorded from a hardware input are played back in rhythmic
// synchrony with previously recorded material, even when the performer's
// start/stop gestures do not land exactly on beat. The first committed
// recording in a container establishes the quantum Q (the grid unit in
// samples); every later recording in that container is snapped, anticipated,
// or rotated so that it loops in phase with Q while preserving what the
// performer heard during the take.
//
// The package holds the audio graph itself: ClipNode leaves, BoxNode
// containers, and the shared NodeState transport fields. Everything reachable
// from Node.Process runs on the audio goroutine and must not block, lock, or
// allocate; all cross-thread state is atomic. The transport and command
// surface live in the engine package.
package kaiku

// ProcessContext is passed down the recursive graph for each audio block.
type ProcessContext struct {
	SampleRate  float64
	NumSamples  int
	IsPlaying   bool
	IsRecording bool

	// MasterPos is the global transport position in samples at the start of
	// the block.
	MasterPos int64

	// Latency compensation, in samples.
	InputLatency  int
	OutputLatency int

	// SoloUUID is non-empty when a single node (and its subtree) should be
	// audible; everything else is silenced.
	SoloUUID string
}

// NodeType discriminates the node variants of the graph.
type NodeType int

const (
	NodeClip NodeType = iota
	NodeBox
	NodeUnknown
)

func (t NodeType) String() string {
	switch t {
	case NodeClip:
		return "clip"
	case NodeBox:
		return "box"
	default:
		return "unknown"
	}
}

// Node is an audio-producing or audio-capturing element of the graph. Process
// is the only method invoked from the audio goroutine; the rest serve the
// control surface and the UI metadata snapshot.
type Node interface {
	// Process mixes into outputs or captures from inputs for one block.
	// Channel slices may be nil; missing channels are skipped.
	Process(inputs, outputs [][]float32, numIn, numOut int, ctx *ProcessContext)

	// Waveform downsamples the committed (or in-flight) material into
	// numPeaks absolute-value peak bins.
	Waveform(numPeaks int) []float32

	// Metadata returns the node's UI snapshot.
	Metadata() Value

	Type() NodeType
	UUID() string
	Name() string
	SetName(name string)

	// EffectiveQuantum is the grid unit governing this node: the nearest
	// ancestor's first resolved quantum, or 0 when none is established.
	EffectiveQuantum() int64

	// IntrinsicDuration is the committed loop length for clips and 0 for
	// containers.
	IntrinsicDuration() int64

	IsRecording() bool

	// Base exposes the shared transport state.
	Base() *NodeState
}

const (
	// BaseClipWidth is the layout width of one quantum, in view units.
	BaseClipWidth = 200.0

	// DefaultNodeHeight is the initial layout height of a node.
	DefaultNodeHeight = 100.0

	// MaxRecordSeconds bounds a clip's sample store; the buffer is allocated
	// once at construction and never resized on the audio path.
	MaxRecordSeconds = 60

	// MaxBlockSize and MaxChannels bound the per-block scratch a container
	// preallocates, so summing never allocates on the audio path. Blocks
	// larger than MaxBlockSize are processed truncated.
	MaxBlockSize = 8192
	MaxChannels  = 8

	// hysteresisTolerance is the fraction of Q within which a captured
	// length snaps to a clean multiple or subdivision.
	hysteresisTolerance = 0.15

	// anticipatoryStartFraction is the fraction of Q before a boundary in
	// which a start request defers to that boundary instead of starting
	// jittery.
	anticipatoryStartFraction = 0.25

	// immediateStartWindow is how close (in samples) the next quantum
	// boundary must be for capture to begin on this block instead of
	// scheduling a deferred start.
	immediateStartWindow = 512
)

// nextQuantumBoundary returns the first multiple of q at or after pos. Being
// exactly on a boundary means this sample, not the next.
func nextQuantumBoundary(pos, q int64) int64 {
	return ((pos + q - 1) / q) * q
}
