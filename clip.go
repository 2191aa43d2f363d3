package kaiku

import (
	"sync/atomic"

	"github.com/viterin/vek/vek32"
)

// ClipNode is a leaf of the graph: one recorded loop. It runs four
// cooperating sub-machines inside Process: pending-start (waiting for a
// quantum boundary before capture), capture, awaiting-stop (capture flowing
// but commit deferred to a boundary), and playback. Control-thread entry
// points only flip atomics; the audio goroutine advances the machines at
// block boundaries.
type ClipNode struct {
	NodeState

	sampleRate float64

	// buffer is the fixed-capacity mono sample store; scratch is the
	// rotation temporary, preallocated so commit never allocates on the
	// audio path.
	buffer  []float32
	scratch []float32
	absTmp  []float32

	writePos atomic.Int64

	recording    atomic.Bool // capture is flowing
	pendingStart atomic.Bool
	awaitingStop atomic.Bool
	playing      atomic.Bool

	awaitingStartAt atomic.Int64
	awaitingStopAt  atomic.Int64

	maxPeak      atomicFloat32 // loudest sample of the take
	inputChannel atomic.Int32
}

func NewClipNode(name string, sampleRate float64) *ClipNode {
	capacity := int(sampleRate) * MaxRecordSeconds
	if capacity < 1 {
		capacity = 44100 * MaxRecordSeconds
	}
	c := &ClipNode{
		sampleRate: sampleRate,
		buffer:     make([]float32, capacity),
		scratch:    make([]float32, capacity),
		absTmp:     make([]float32, 1024),
	}
	c.init(name)
	return c
}

func (c *ClipNode) Type() NodeType { return NodeClip }

func (c *ClipNode) SampleRate() float64 { return c.sampleRate }

// IsRecording reports whether capture is flowing. This is narrower than the
// transport flag NodeState.IsRecording, which stays true from the start
// request through commit; a pending-start clip is not yet capturing.
func (c *ClipNode) IsRecording() bool { return c.recording.Load() }

func (c *ClipNode) IsPendingStart() bool { return c.pendingStart.Load() }
func (c *ClipNode) IsAwaitingStop() bool { return c.awaitingStop.Load() }
func (c *ClipNode) IsPlaying() bool      { return c.playing.Load() }

func (c *ClipNode) WritePos() int64 { return c.writePos.Load() }

// Buffer exposes the sample store for inspection. The region beyond the
// committed duration is unspecified.
func (c *ClipNode) Buffer() []float32 { return c.buffer }

// Capacity is the fixed size of the sample store.
func (c *ClipNode) Capacity() int64 { return int64(len(c.buffer)) }

func (c *ClipNode) MaxPeak() float32 { return c.maxPeak.Load() }

func (c *ClipNode) InputChannel() int      { return int(c.inputChannel.Load()) }
func (c *ClipNode) SetInputChannel(ch int) { c.inputChannel.Store(int32(ch)) }

func (c *ClipNode) IntrinsicDuration() int64 { return c.duration.Load() }

func (c *ClipNode) EffectiveQuantum() int64 {
	if p := c.Parent(); p != nil {
		return p.EffectiveQuantum()
	}
	return 0
}

// StartRecording puts the clip into pending-start. The audio goroutine
// chooses the capture boundary on its next block.
func (c *ClipNode) StartRecording() {
	clear(c.buffer)
	c.writePos.Store(0)
	c.liveDuration.Store(0)
	c.maxPeak.Store(0)
	c.blockPeak.Store(0)

	c.awaitingStartAt.Store(0)
	c.awaitingStopAt.Store(0)
	c.awaitingStop.Store(false)
	c.recording.Store(false)
	c.pendingStart.Store(true)
	c.nodeRecording.Store(true)

	c.duration.Store(0)
	c.playing.Store(false)
}

// StopRecording requests commit. With no quantum the commit is immediate.
// With a quantum, the captured length L is measured against the candidate
// grid {k·Q, Q/2, Q/4, Q/8}: when the closest candidate lies within the
// hysteresis tolerance ahead of L, the clip enters awaiting-stop and capture
// continues until the write cursor crosses it; otherwise the commit is
// immediate and the late-snap logic in commit decides the duration.
func (c *ClipNode) StopRecording() {
	if !c.nodeRecording.Load() {
		return
	}
	if c.awaitingStop.Load() {
		return
	}
	l := c.writePos.Load()
	q := c.EffectiveQuantum()
	if q > 0 {
		best, diff := snapCandidate(l, q)
		if best > l && float64(diff) < hysteresisTolerance*float64(q) {
			c.awaitingStopAt.Store(best)
			c.awaitingStop.Store(true)
			return
		}
	}
	c.commit(0)
}

// StartPlayback resumes a committed clip. Refused when nothing is committed.
func (c *ClipNode) StartPlayback() {
	if c.duration.Load() > 0 {
		c.playing.Store(true)
	}
}

func (c *ClipNode) StopPlayback() { c.playing.Store(false) }

// snapCandidate returns the grid candidate closest to the captured length l:
// the flanking multiples of q plus the power-of-two subdivisions, skipping
// non-positive candidates. diff is |l - best|.
func snapCandidate(l, q int64) (best, diff int64) {
	floor := (l / q) * q
	candidates := [5]int64{floor, floor + q, q / 2, q / 4, q / 8}
	best = -1
	for _, b := range candidates {
		if b <= 0 {
			continue
		}
		d := l - b
		if d < 0 {
			d = -d
		}
		if best < 0 || d < diff {
			best, diff = b, d
		}
	}
	return best, diff
}

// rotateRight shifts buf right-cyclically by r samples through scratch, so
// the sample at index i lands at index (i+r) mod len(buf).
func rotateRight(buf, scratch []float32, r int64) {
	n := int64(len(buf))
	if n == 0 {
		return
	}
	r %= n
	if r == 0 {
		return
	}
	copy(scratch[r:n], buf[:n-r])
	copy(scratch[:r], buf[n-r:n])
	copy(buf, scratch[:n])
}

// peakAbs returns max |x| over src, chunked through tmp so the audio
// goroutine never allocates.
func peakAbs(tmp, src []float32) float32 {
	var peak float32
	for len(src) > 0 {
		n := len(src)
		if n > len(tmp) {
			n = len(tmp)
		}
		vek32.Abs_Into(tmp[:n], src[:n])
		if p := vek32.Max(tmp[:n]); p > peak {
			peak = p
		}
		src = src[n:]
	}
	return peak
}

func (c *ClipNode) Process(inputs, outputs [][]float32, numIn, numOut int, ctx *ProcessContext) {
	if c.pendingStart.Load() {
		c.processPendingStart(ctx)
	}

	if c.recording.Load() {
		if c.capture(inputs, numIn, ctx) {
			return
		}
	}

	if ctx.IsPlaying && c.playing.Load() {
		c.playback(outputs, numOut, ctx)
	}
}

// processPendingStart resolves when capture begins. With a quantum the start
// is phase-locked: a request landing within the anticipatory window before a
// boundary defers to that boundary, otherwise capture is scheduled for the
// next boundary (or begins at once, triggered at the compensated position,
// when that boundary is less than immediateStartWindow samples away). A
// scheduled start flips to capture in the block that spans the boundary.
// The clip's anchor phase records the loop-relative position the
// performer heard at that moment.
func (c *ClipNode) processPendingStart(ctx *ProcessContext) {
	if c.awaitingStartAt.Load() == 0 {
		q := c.EffectiveQuantum()
		shouldStart := true
		if q > 0 {
			phase := ctx.MasterPos % q
			if q-phase < int64(anticipatoryStartFraction*float64(q)) {
				shouldStart = false
			}
		}
		if shouldStart {
			compensated := ctx.MasterPos - int64(ctx.InputLatency+ctx.OutputLatency)
			if compensated < 0 {
				compensated = 0
			}
			c.triggerMasterPos.Store(compensated)
			if q > 0 {
				contextLoop, contextLaunch := c.contextLoopInfo(q)
				nextQ := nextQuantumBoundary(compensated, q)
				playbackOffset := (contextLoop - contextLaunch%contextLoop) % contextLoop
				futureEffectivePos := (nextQ + playbackOffset) % contextLoop

				c.anchorPhase.Store(futureEffectivePos)
				c.XPos.Store(c.XPos.Load() + float64(futureEffectivePos/q)*BaseClipWidth)

				if compensated >= nextQ || nextQ-compensated < immediateStartWindow {
					c.beginCapture(compensated)
				} else {
					c.awaitingStartAt.Store(nextQ)
				}
			} else {
				// First clip: no grid to wait for.
				c.anchorPhase.Store(0)
				c.beginCapture(compensated)
			}
		}
	}

	if c.pendingStart.Load() && c.awaitingStartAt.Load() > 0 {
		target := c.awaitingStartAt.Load()
		if ctx.MasterPos < target && ctx.MasterPos+int64(ctx.NumSamples) >= target {
			c.awaitingStartAt.Store(0)
			c.beginCapture(target)
		}
	}
}

func (c *ClipNode) beginCapture(trigger int64) {
	c.pendingStart.Store(false)
	c.recording.Store(true)
	c.nodeRecording.Store(true)
	c.triggerMasterPos.Store(trigger)
	c.writePos.Store(0)
	c.liveDuration.Store(0)
}

// contextLoopInfo determines the reference loop during capture: the longest
// committed sibling duration, or q when there is none, or 1 with no quantum.
// contextLaunch is the launch point of the sibling defining that loop.
func (c *ClipNode) contextLoopInfo(q int64) (contextLoop, contextLaunch int64) {
	var children []Node
	if box := c.Parent(); box != nil {
		children = box.Children()
	}
	for _, sib := range children {
		if sib.Base() == c.Base() || sib.Base().IsRecording() {
			continue
		}
		if d := sib.Base().Duration(); d > contextLoop {
			contextLoop = d
		}
	}
	if contextLoop == 0 {
		contextLoop = 1
		if q > 0 {
			contextLoop = q
		}
	}
	for _, sib := range children {
		if sib.Base() == c.Base() || sib.Base().IsRecording() {
			continue
		}
		if sib.Base().Duration() == contextLoop {
			contextLaunch = sib.Base().LaunchPoint()
			break
		}
	}
	return contextLoop, contextLaunch
}

// capture copies one block from the preferred input channel into the sample
// store. Returns true when an awaiting-stop commit consumed the block.
func (c *ClipNode) capture(inputs [][]float32, numIn int, ctx *ProcessContext) (committed bool) {
	if !ctx.IsRecording || numIn <= 0 || inputs == nil {
		return false
	}
	ch := int(c.inputChannel.Load())
	if ch > numIn-1 {
		ch = numIn - 1
	}
	if ch < 0 {
		ch = 0
	}

	wp := c.writePos.Load()
	want := int64(ctx.NumSamples)
	toWrite := int64(len(c.buffer)) - wp
	if toWrite > want {
		toWrite = want
	}

	if toWrite > 0 {
		if ch < len(inputs) && inputs[ch] != nil {
			in := inputs[ch]
			if int64(len(in)) > toWrite {
				in = in[:toWrite]
			}
			copy(c.buffer[wp:wp+toWrite], in)
		}
		// A nil channel records silence; the store was cleared at start.

		var peak float32
		for i := 0; i < numIn && i < len(inputs); i++ {
			if inputs[i] == nil {
				continue
			}
			seg := inputs[i]
			if int64(len(seg)) > toWrite {
				seg = seg[:toWrite]
			}
			if p := peakAbs(c.absTmp, seg); p > peak {
				peak = p
			}
		}
		c.blockPeak.Store(peak)
		if peak > c.maxPeak.Load() {
			c.maxPeak.Store(peak)
		}

		start := wp
		wp += toWrite
		c.writePos.Store(wp)
		c.liveDuration.Store(wp)

		if c.awaitingStop.Load() {
			target := c.awaitingStopAt.Load()
			if start < target && wp >= target {
				c.commitMasterPos.Store(ctx.MasterPos)
				c.commit(target)
				return true
			}
		}
	}

	if toWrite < want {
		// Capacity exhausted: commit with whatever was captured.
		c.commitMasterPos.Store(ctx.MasterPos)
		c.commit(0)
	}
	return false
}

// commit freezes the take. finalDuration > 0 is the anticipatory path (the
// boundary was known in advance); otherwise the captured length is measured
// against the candidate grid and either snapped (within tolerance) or kept
// raw with the loop region snapped down. The buffer is then rotated so the
// perceptual start of the loop lands on the grid-aligned index, and the
// launch point is set so the playhead reads position 0 at the commit
// instant.
func (c *ClipNode) commit(finalDuration int64) {
	if !c.nodeRecording.Load() {
		return
	}
	c.recording.Store(false)
	c.pendingStart.Store(false)
	c.awaitingStop.Store(false)
	c.nodeRecording.Store(false)

	l := c.writePos.Load()
	q := c.EffectiveQuantum()
	duration := l

	switch {
	case finalDuration > 0:
		duration = finalDuration
		c.loopStart.Store(0)
		c.loopEnd.Store(duration)
	case q > 0:
		best, diff := snapCandidate(l, q)
		if best > 0 && float64(diff) < hysteresisTolerance*float64(q) {
			duration = best
			c.loopStart.Store(0)
			c.loopEnd.Store(duration)
		} else {
			loopEnd := (l / q) * q
			if loopEnd == 0 {
				loopEnd = q / 2
			}
			c.loopStart.Store(0)
			c.loopEnd.Store(loopEnd)
		}
	default:
		c.loopStart.Store(0)
		c.loopEnd.Store(duration)
	}
	if duration > int64(len(c.buffer)) {
		duration = int64(len(c.buffer))
	}
	if c.loopEnd.Load() > duration {
		c.loopEnd.Store(duration)
	}
	c.duration.Store(duration)

	// The context loop is the grid the take was performed against: the
	// longest committed sibling, else the quantum itself.
	contextLoop := int64(0)
	if box := c.Parent(); box != nil {
		for _, sib := range box.Children() {
			if sib.Base() == c.Base() || sib.IsRecording() {
				continue
			}
			if d := sib.IntrinsicDuration(); d > contextLoop {
				contextLoop = d
			}
		}
	}
	if contextLoop == 0 {
		contextLoop = 1
		if q > 0 {
			contextLoop = q
		}
	}

	trigger := c.triggerMasterPos.Load()
	idealAnchor := trigger % contextLoop
	audioAnchor := trigger % contextLoop

	finalAnchor := audioAnchor
	if audioAnchor > 0 && audioAnchor < duration {
		rotateRight(c.buffer[:duration], c.scratch[:duration], audioAnchor)
		finalAnchor = 0
	}

	if q > 0 {
		c.XPos.Store(float64(idealAnchor/q) * BaseClipWidth)
	} else {
		c.XPos.Store(0)
	}
	c.anchorPhase.Store(finalAnchor)

	var launch int64
	if duration > 0 {
		launch = (duration - c.commitMasterPos.Load()%duration) % duration
	}
	c.launchPoint.Store(launch)

	c.playing.Store(duration > 0)
}

func (c *ClipNode) playback(outputs [][]float32, numOut int, ctx *ProcessContext) {
	start := c.loopStart.Load()
	end := c.loopEnd.Load()
	dur := end - start
	if dur <= 0 {
		c.Playhead.Store(0)
		return
	}

	silenced := c.muted.Load()
	if !silenced && ctx.SoloUUID != "" {
		silenced = c.uuid != ctx.SoloUUID
		for p := c.Parent(); silenced && p != nil; p = p.Parent() {
			if p.UUID() == ctx.SoloUUID {
				silenced = false
			}
		}
	}

	launch := c.launchPoint.Load()
	capacity := int64(len(c.buffer))
	n := ctx.NumSamples
	if !silenced {
		for i := 0; i < n; i++ {
			effectivePos := (ctx.MasterPos + int64(i) + launch) % dur
			sample := c.buffer[(start+effectivePos)%capacity]
			for ch := 0; ch < numOut && ch < len(outputs); ch++ {
				if outputs[ch] != nil && i < len(outputs[ch]) {
					outputs[ch][i] += sample
				}
			}
		}
	}
	if n > 0 {
		last := (ctx.MasterPos + int64(n-1) + launch) % dur
		c.Playhead.Store(float64(last) / float64(dur))
	}
}

// Waveform downsamples the take into absolute-value peak bins. During
// recording the live write cursor bounds the material.
func (c *ClipNode) Waveform(numPeaks int) []float32 {
	if numPeaks <= 0 {
		return []float32{}
	}
	total := c.duration.Load()
	if total <= 0 {
		total = c.writePos.Load()
	}
	if total <= 0 {
		return []float32{}
	}
	window := total / int64(numPeaks)
	if window < 1 {
		window = 1
	}
	peaks := make([]float32, numPeaks)
	for i := range peaks {
		binStart := int64(i) * window
		if binStart >= total {
			break
		}
		binEnd := binStart + window
		if binEnd > total {
			binEnd = total
		}
		if binEnd <= binStart {
			binEnd = binStart + 1
		}
		peaks[i] = vek32.Max(vek32.Abs(c.buffer[binStart:binEnd]))
	}
	return peaks
}

func (c *ClipNode) Metadata() Value {
	m := c.baseMetadata(c)
	m.Set("sampleRate", NumberValue(c.sampleRate))
	m.Set("inputChannel", IntValue(int64(c.inputChannel.Load())))
	m.Set("maxPeak", NumberValue(float64(c.maxPeak.Load())))
	m.Set("isPendingStart", BoolValue(c.pendingStart.Load()))
	m.Set("isAwaitingStop", BoolValue(c.awaitingStop.Load()))
	m.Set("isPlaying", BoolValue(c.playing.Load()))
	if q := c.EffectiveQuantum(); q > 0 && c.nodeRecording.Load() {
		m.Set("recordingStartPhase", IntValue(c.triggerMasterPos.Load()%q))
	}
	return m
}
