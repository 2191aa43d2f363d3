package kaiku

import (
	"math"
	"sync/atomic"

	"github.com/google/uuid"
)

// atomicFloat64 stores a float64 through its bit pattern so geometry and
// playhead fields can be shared between the audio and control goroutines.
type atomicFloat64 struct{ bits atomic.Uint64 }

func (f *atomicFloat64) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat64) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

type atomicFloat32 struct{ bits atomic.Uint32 }

func (f *atomicFloat32) Load() float32   { return math.Float32frombits(f.bits.Load()) }
func (f *atomicFloat32) Store(v float32) { f.bits.Store(math.Float32bits(v)) }

// NodeState is the identity, placement, and transport-visible state every
// node carries. All fields the audio goroutine touches are atomic; the name
// is mutated and read on the control goroutine only. The parent back-pointer
// is a weak up-link for quantum lookup: only containers hold children, so it
// is typed as the owning BoxNode and invalidated on removal.
type NodeState struct {
	uuid string
	name string

	// Spatial arrangement in the parent plane, in view units.
	XPos, YPos    atomicFloat64
	Width, Height atomicFloat64

	// Playhead is normalized 0..1 within the playable loop region.
	Playhead atomicFloat64

	duration     atomic.Int64 // committed loop length, 0 until commit
	liveDuration atomic.Int64 // mirrors the write cursor during recording
	loopStart    atomic.Int64
	loopEnd      atomic.Int64

	nodeRecording atomic.Bool // start request through commit
	muted         atomic.Bool

	blockPeak atomicFloat32 // max |sample| of the most recent block

	// Phase bookkeeping for quantum alignment.
	anchorPhase      atomic.Int64
	launchPoint      atomic.Int64
	triggerMasterPos atomic.Int64
	commitMasterPos  atomic.Int64

	parent atomic.Pointer[BoxNode]
}

// init stamps identity and default geometry; nodes embed NodeState and call
// this from their constructors (the atomic fields make the state non-copyable).
func (s *NodeState) init(name string) {
	s.uuid = uuid.NewString()
	s.name = name
	s.Width.Store(BaseClipWidth)
	s.Height.Store(DefaultNodeHeight)
}

func (s *NodeState) UUID() string        { return s.uuid }
func (s *NodeState) Name() string        { return s.name }
func (s *NodeState) SetName(name string) { s.name = name }

func (s *NodeState) Parent() *BoxNode     { return s.parent.Load() }
func (s *NodeState) SetParent(p *BoxNode) { s.parent.Store(p) }

func (s *NodeState) Duration() int64     { return s.duration.Load() }
func (s *NodeState) LiveDuration() int64 { return s.liveDuration.Load() }
func (s *NodeState) LoopStart() int64    { return s.loopStart.Load() }
func (s *NodeState) LoopEnd() int64      { return s.loopEnd.Load() }

func (s *NodeState) SetLoopPoints(start, end int64) {
	s.loopStart.Store(start)
	s.loopEnd.Store(end)
}

func (s *NodeState) Muted() bool     { return s.muted.Load() }
func (s *NodeState) SetMuted(m bool) { s.muted.Store(m) }

func (s *NodeState) LastBlockPeak() float32 { return s.blockPeak.Load() }

func (s *NodeState) AnchorPhase() int64      { return s.anchorPhase.Load() }
func (s *NodeState) LaunchPoint() int64      { return s.launchPoint.Load() }
func (s *NodeState) TriggerMasterPos() int64 { return s.triggerMasterPos.Load() }
func (s *NodeState) CommitMasterPos() int64  { return s.commitMasterPos.Load() }

// StampCommitMasterPos records the transport position an immediate commit
// should compute its launch point against. The audio goroutine overwrites it
// when a commit happens on a block boundary crossing.
func (s *NodeState) StampCommitMasterPos(pos int64) { s.commitMasterPos.Store(pos) }

func (s *NodeState) IsRecording() bool { return s.nodeRecording.Load() }

func (s *NodeState) Base() *NodeState { return s }

// baseMetadata builds the snapshot fields common to every node type. n is
// the concrete node, for the virtual bits.
func (s *NodeState) baseMetadata(n Node) Value {
	m := ObjectValue()
	m.Set("id", StringValue(s.uuid))
	m.Set("name", StringValue(s.name))
	m.Set("type", StringValue(n.Type().String()))
	m.Set("x", NumberValue(s.XPos.Load()))
	m.Set("y", NumberValue(s.YPos.Load()))
	m.Set("w", NumberValue(s.Width.Load()))
	m.Set("h", NumberValue(s.Height.Load()))
	m.Set("currentPeak", NumberValue(float64(s.blockPeak.Load())))
	if n.IsRecording() {
		m.Set("duration", IntValue(s.liveDuration.Load()))
	} else {
		m.Set("duration", IntValue(s.duration.Load()))
	}
	m.Set("loopStart", IntValue(s.loopStart.Load()))
	m.Set("loopEnd", IntValue(s.loopEnd.Load()))
	m.Set("effectiveQuantum", IntValue(n.EffectiveQuantum()))
	m.Set("playhead", NumberValue(s.Playhead.Load()))
	m.Set("isRecording", BoolValue(s.nodeRecording.Load()))
	m.Set("isMuted", BoolValue(s.muted.Load()))
	m.Set("anchorPhase", IntValue(s.anchorPhase.Load()))
	m.Set("launchPoint", IntValue(s.launchPoint.Load()))
	return m
}
