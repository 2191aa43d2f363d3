// Package engine owns the transport and the control surface of the looping
// graph. The Engine is driven from two goroutines: the audio goroutine calls
// OnBlock at device block rate and must never block or allocate; the control
// goroutine issues commands (directly or through Dispatch) that flip atomics
// and mutate the tree copy-on-write. Commands are fire-and-forget; there is
// no cross-thread wait.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ljketola/kaiku"
)

// MeterFrame is the per-block level report published on Engine.Meters.
type MeterFrame struct {
	MasterPos int64
	Peak      float32
}

type Engine struct {
	mu sync.Mutex // control surface: focus stack, tree mutation, naming

	log  *slog.Logger
	root *kaiku.BoxNode

	focus    kaiku.Node
	navStack []kaiku.Node

	playing   atomic.Bool
	masterPos atomic.Int64
	solo      atomic.Pointer[string]

	sampleRate float64
	inputNames []string
	nodeSerial int

	// Meters receives one frame per processed block. Sends are non-blocking,
	// so a slow observer only drops frames; the channel should have a
	// capacity of at least 1.
	Meters chan MeterFrame
}

func New(sampleRate float64, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	root := kaiku.NewBoxNode("Root")
	return &Engine{
		log:        log,
		root:       root,
		focus:      root,
		sampleRate: sampleRate,
		inputNames: []string{"Input 1"},
		Meters:     make(chan MeterFrame, 4),
	}
}

// TrySend sends v to c if it is not full. Guaranteed non-blocking; reports
// whether the value was sent.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
		return true
	default:
		return false
	}
}

func (e *Engine) Root() *kaiku.BoxNode { return e.root }

func (e *Engine) SampleRate() float64 { return e.sampleRate }

func (e *Engine) MasterPos() int64 { return e.masterPos.Load() }

func (e *Engine) IsPlaying() bool { return e.playing.Load() }

func (e *Engine) SoloUUID() string {
	if p := e.solo.Load(); p != nil {
		return *p
	}
	return ""
}

// SetInputNames publishes the hardware input channel names reported by the
// device driver.
func (e *Engine) SetInputNames(names []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputNames = append([]string(nil), names...)
}

// OnBlock is the audio device callback. It clears the outputs, builds the
// processing context, dispatches the root container, and advances the master
// position while playing. Channel pointers may be nil and channel counts may
// be zero; the block is processed with whatever is there.
func (e *Engine) OnBlock(inputs [][]float32, numIn int, outputs [][]float32, numOut, numSamples int, inputLatency, outputLatency int) {
	for ch := 0; ch < numOut && ch < len(outputs); ch++ {
		if out := outputs[ch]; out != nil {
			n := numSamples
			if n > len(out) {
				n = len(out)
			}
			clear(out[:n])
		}
	}

	ctx := kaiku.ProcessContext{
		SampleRate:    e.sampleRate,
		NumSamples:    numSamples,
		IsPlaying:     e.playing.Load(),
		IsRecording:   true,
		MasterPos:     e.masterPos.Load(),
		InputLatency:  inputLatency,
		OutputLatency: outputLatency,
		SoloUUID:      e.SoloUUID(),
	}

	e.root.Process(inputs, outputs, numIn, numOut, &ctx)

	if ctx.IsPlaying {
		e.masterPos.Add(int64(numSamples))
	}

	var peak float32
	for ch := 0; ch < numOut && ch < len(outputs); ch++ {
		out := outputs[ch]
		if out == nil {
			continue
		}
		if len(out) > numSamples {
			out = out[:numSamples]
		}
		for _, v := range out {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	TrySend(e.Meters, MeterFrame{MasterPos: ctx.MasterPos, Peak: peak})
}

// TogglePlayback flips the transport. Stopping resets the master position to
// zero so the next take re-anchors the grid.
func (e *Engine) TogglePlayback() bool {
	nowPlaying := !e.playing.Load()
	e.playing.Store(nowPlaying)
	if !nowPlaying {
		e.masterPos.Store(0)
	}
	e.log.Debug("transport toggled", "playing", nowPlaying)
	return nowPlaying
}

// StartRecordingInNode requests a phase-locked recording start on a clip.
// The transport auto-starts if it was stopped.
func (e *Engine) StartRecordingInNode(uuid string) bool {
	clip, ok := e.findClip(uuid)
	if !ok {
		return false
	}
	if !e.playing.Load() {
		e.playing.Store(true)
		e.log.Debug("transport auto-started for recording", "node", uuid)
	}
	clip.StartRecording()
	e.log.Info("recording requested", "node", uuid, "name", clip.Name())
	return true
}

// StopRecordingInNode requests commit on a clip: anticipatory when the next
// grid candidate is close ahead, immediate otherwise. The current master
// position is stamped first so an immediate commit computes its launch point
// against the real transport time.
func (e *Engine) StopRecordingInNode(uuid string) bool {
	clip, ok := e.findClip(uuid)
	if !ok {
		return false
	}
	clip.StampCommitMasterPos(e.masterPos.Load())
	clip.StopRecording()
	e.log.Info("stop requested", "node", uuid, "awaitingStop", clip.IsAwaitingStop())
	return true
}

// EnterBox pushes the focus into a child box of the current focus.
func (e *Engine) EnterBox(uuid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.focus.(*kaiku.BoxNode)
	if !ok {
		return false
	}
	for _, child := range box.Children() {
		if child.UUID() == uuid && child.Type() == kaiku.NodeBox {
			e.navStack = append(e.navStack, e.focus)
			e.focus = child
			return true
		}
	}
	return false
}

// ExitBox pops the focus back to the parent box. No-op at the root.
func (e *Engine) ExitBox() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.navStack) == 0 {
		return false
	}
	e.focus = e.navStack[len(e.navStack)-1]
	e.navStack = e.navStack[:len(e.navStack)-1]
	return true
}

// CreateNode appends a new clip or box to the focused container. Negative
// coordinates place the node on a staggered grid.
func (e *Engine) CreateNode(nodeType string, x, y float64) kaiku.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.focus.(*kaiku.BoxNode)
	if !ok {
		return nil
	}

	e.nodeSerial++
	var node kaiku.Node
	switch nodeType {
	case "clip":
		node = kaiku.NewClipNode(fmt.Sprintf("Clip %d", e.nodeSerial), e.sampleRate)
	case "box":
		node = kaiku.NewBoxNode(fmt.Sprintf("Box %d", e.nodeSerial))
	default:
		return nil
	}

	if x < 0 || y < 0 {
		count := box.NumChildren()
		x = float64(count%4) * (kaiku.BaseClipWidth + 20)
		y = float64(count/4) * (kaiku.DefaultNodeHeight + 20)
	}
	node.Base().XPos.Store(x)
	node.Base().YPos.Store(y)

	box.AddChild(node)
	e.log.Info("node created", "type", nodeType, "id", node.UUID(), "name", node.Name())
	return node
}

// RemoveNode unlinks a node from the focused container.
func (e *Engine) RemoveNode(uuid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.focus.(*kaiku.BoxNode)
	if !ok {
		return false
	}
	if removed := box.RemoveChild(uuid); removed != nil {
		e.log.Info("node removed", "id", uuid)
		return true
	}
	return false
}

func (e *Engine) RenameNode(uuid, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	node := findNode(e.root, uuid)
	if node == nil {
		return false
	}
	node.SetName(name)
	return true
}

// SetLoopPoints constrains a node's playable region, clamped to the
// committed duration.
func (e *Engine) SetLoopPoints(uuid string, start, end int64) bool {
	node := findNode(e.root, uuid)
	if node == nil {
		return false
	}
	dur := node.Base().Duration()
	if start < 0 {
		start = 0
	}
	if end > dur {
		end = dur
	}
	if start > end {
		return false
	}
	node.Base().SetLoopPoints(start, end)
	return true
}

func (e *Engine) SetNodeInput(uuid string, channel int) bool {
	clip, ok := e.findClip(uuid)
	if !ok || channel < 0 {
		return false
	}
	clip.SetInputChannel(channel)
	return true
}

// ToggleSolo makes the node (and its subtree) the only audible source, or
// clears the solo when it already is.
func (e *Engine) ToggleSolo(uuid string) bool {
	if findNode(e.root, uuid) == nil {
		return false
	}
	if e.SoloUUID() == uuid {
		e.solo.Store(nil)
	} else {
		e.solo.Store(&uuid)
	}
	return true
}

// TogglePlay pauses or resumes a committed clip.
func (e *Engine) TogglePlay(uuid string) bool {
	clip, ok := e.findClip(uuid)
	if !ok {
		return false
	}
	if clip.IsPlaying() {
		clip.StopPlayback()
		return true
	}
	if clip.IntrinsicDuration() <= 0 {
		return false
	}
	clip.StartPlayback()
	return true
}

// GraphState snapshots the focused node's metadata for the view, with the
// transport and navigation state added. For a focused container the
// children's metadata rides along under "nodes".
func (e *Engine) GraphState() kaiku.Value {
	e.mu.Lock()
	focus := e.focus
	e.mu.Unlock()

	state := focus.Metadata()
	state.Set("isPlaying", kaiku.BoolValue(e.playing.Load()))
	state.Set("focusedId", kaiku.StringValue(focus.UUID()))
	state.Set("soloedId", kaiku.StringValue(e.SoloUUID()))
	state.Set("masterPos", kaiku.IntValue(e.masterPos.Load()))

	nodes := kaiku.ArrayValue()
	if box, ok := focus.(*kaiku.BoxNode); ok {
		for _, child := range box.Children() {
			nodes.Append(child.Metadata())
		}
	}
	state.Set("nodes", nodes)
	return state
}

// NodeWaveform returns numPeaks peak bins for the node, or nil on a miss.
func (e *Engine) NodeWaveform(uuid string, numPeaks int) []float32 {
	node := findNode(e.root, uuid)
	if node == nil {
		return nil
	}
	return node.Waveform(numPeaks)
}

// InputList returns the hardware input channel names.
func (e *Engine) InputList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputNames...)
}

// FindNode resolves a UUID anywhere in the tree, or nil.
func (e *Engine) FindNode(uuid string) kaiku.Node { return findNode(e.root, uuid) }

func (e *Engine) findClip(uuid string) (*kaiku.ClipNode, bool) {
	clip, ok := findNode(e.root, uuid).(*kaiku.ClipNode)
	return clip, ok
}

func findNode(n kaiku.Node, uuid string) kaiku.Node {
	if n.UUID() == uuid {
		return n
	}
	if box, ok := n.(*kaiku.BoxNode); ok {
		for _, child := range box.Children() {
			if found := findNode(child, uuid); found != nil {
				return found
			}
		}
	}
	return nil
}
