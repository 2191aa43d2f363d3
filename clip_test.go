package kaiku

import (
	"math"
	"testing"
)

func recContext(numSamples int, masterPos int64) *ProcessContext {
	return &ProcessContext{
		SampleRate:  44100,
		NumSamples:  numSamples,
		IsRecording: true,
		MasterPos:   masterPos,
	}
}

func playContext(numSamples int, masterPos int64) *ProcessContext {
	return &ProcessContext{
		SampleRate: 44100,
		NumSamples: numSamples,
		IsPlaying:  true,
		MasterPos:  masterPos,
	}
}

func constInput(n int, v float32) [][]float32 {
	in := make([]float32, n)
	for i := range in {
		in[i] = v
	}
	return [][]float32{in}
}

// recordTake drives a clip through a full start-capture-stop cycle with the
// given input block, beginning at masterPos.
func recordTake(t *testing.T, clip *ClipNode, input [][]float32, numSamples int, masterPos int64) {
	t.Helper()
	clip.StartRecording()
	clip.Process(input, nil, len(input), 0, recContext(numSamples, masterPos))
	if !clip.IsRecording() {
		t.Fatalf("clip did not begin capture at masterPos %d", masterPos)
	}
	clip.StopRecording()
}

func TestRecordingStateTransitions(t *testing.T) {
	clip := NewClipNode("Test", 44100)
	if clip.IsRecording() {
		t.Fatal("fresh clip should not be recording")
	}

	clip.StartRecording()
	if !clip.IsPendingStart() {
		t.Error("start request should leave the clip pending")
	}
	if clip.IsRecording() {
		t.Error("capture should not flow before the audio thread picks the boundary")
	}
	if !clip.NodeState.IsRecording() {
		t.Error("transport flag should be set from the start request on")
	}

	clip.Process(nil, nil, 0, 0, recContext(1, 0))
	if !clip.IsRecording() {
		t.Error("first block should begin capture with no quantum")
	}
	if clip.IsPendingStart() {
		t.Error("pending flag should clear once capture begins")
	}

	clip.StopRecording()
	if clip.IsRecording() {
		t.Error("stop with no quantum should commit immediately")
	}
}

func TestCaptureWritesBuffer(t *testing.T) {
	clip := NewClipNode("Test", 44100)
	clip.StartRecording()
	clip.Process(constInput(100, 1.0), nil, 1, 0, recContext(100, 0))

	if got := clip.WritePos(); got != 100 {
		t.Errorf("write position = %d, want 100", got)
	}
	peaks := clip.Waveform(1)
	if len(peaks) != 1 || peaks[0] != 1.0 {
		t.Errorf("waveform = %v, want [1.0]", peaks)
	}
}

func TestCaptureRequiresContextFlag(t *testing.T) {
	clip := NewClipNode("Test", 44100)
	clip.StartRecording()
	clip.Process(nil, nil, 0, 0, recContext(1, 0))
	before := clip.WritePos()

	ctx := recContext(10, 1)
	ctx.IsRecording = false
	clip.Process(constInput(10, 0.8), nil, 1, 0, ctx)
	if clip.WritePos() != before {
		t.Error("capture must be gated on the context recording flag")
	}
}

func TestPlaybackRequiresCommittedSamples(t *testing.T) {
	clip := NewClipNode("Test", 44100)
	clip.StartPlayback()
	if clip.IsPlaying() {
		t.Fatal("playback must refuse with nothing committed")
	}

	recordTake(t, clip, constInput(10, 0.5), 10, 0)
	if !clip.IsPlaying() {
		t.Fatal("commit should start playback automatically")
	}

	clip.StopPlayback()
	clip.StartPlayback()
	if !clip.IsPlaying() {
		t.Error("committed clip should resume")
	}
}

func TestPeakTracking(t *testing.T) {
	clip := NewClipNode("Test", 44100)
	clip.StartRecording()
	input := [][]float32{{0.5, -0.7, 0.2, 0, 0, 0, 0, 0, 0, 0}}
	clip.Process(input, nil, 1, 0, recContext(10, 0))

	if got := clip.LastBlockPeak(); math.Abs(float64(got)-0.7) > 1e-3 {
		t.Errorf("block peak = %v, want 0.7", got)
	}
	if got := clip.MaxPeak(); math.Abs(float64(got)-0.7) > 1e-3 {
		t.Errorf("max peak = %v, want 0.7", got)
	}
}

// establishQuantum records a committed clip of quantumSamples into box,
// starting at master position 0, and returns it.
func establishQuantum(t *testing.T, box *BoxNode, sampleRate float64, quantumSamples int) *ClipNode {
	t.Helper()
	clip := NewClipNode("Master", sampleRate)
	box.AddChild(clip)
	recordTake(t, clip, constInput(quantumSamples, 0.1), quantumSamples, 0)
	if got := clip.Duration(); got != int64(quantumSamples) {
		t.Fatalf("quantum clip duration = %d, want %d", got, quantumSamples)
	}
	return clip
}

func TestQuantumOrigin(t *testing.T) {
	root := NewBoxNode("Root")
	clip := establishQuantum(t, root, 1000, 1000)

	if got := root.EffectiveQuantum(); got != 1000 {
		t.Errorf("root effective quantum = %d, want 1000", got)
	}
	if !clip.IsPlaying() {
		t.Error("first committed clip should be playing")
	}
}

func TestLateSnapWithinTolerance(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	b := NewClipNode("B", 1000)
	root.AddChild(b)
	recordTake(t, b, constInput(1100, 0.2), 1100, 0)

	if b.IsAwaitingStop() {
		t.Fatal("overshoot within tolerance must commit immediately")
	}
	if got := b.Duration(); got != 1000 {
		t.Errorf("duration = %d, want 1000 (late snap)", got)
	}
	if got := b.LoopEnd(); got != 1000 {
		t.Errorf("loop end = %d, want 1000", got)
	}
}

func TestAnticipatoryStop(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	b := NewClipNode("B", 1000)
	root.AddChild(b)
	b.StartRecording()
	b.Process(constInput(950, 0.2), nil, 1, 0, recContext(950, 0))
	b.StopRecording()

	if !b.IsAwaitingStop() {
		t.Fatal("stop just short of the boundary must defer")
	}
	if !b.IsRecording() {
		t.Fatal("capture must continue while awaiting stop")
	}

	b.Process(constInput(100, 0.2), nil, 1, 0, recContext(100, 950))
	if b.IsRecording() {
		t.Error("crossing the boundary should have committed")
	}
	if got := b.Duration(); got != 1000 {
		t.Errorf("duration = %d, want 1000", got)
	}
}

func TestStopIdempotentWhileAwaiting(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	b := NewClipNode("B", 1000)
	root.AddChild(b)
	b.StartRecording()
	b.Process(constInput(950, 0.2), nil, 1, 0, recContext(950, 0))
	b.StopRecording()

	target := b.awaitingStopAt.Load()
	b.StopRecording()
	if got := b.awaitingStopAt.Load(); got != target {
		t.Errorf("second stop changed the boundary: %d -> %d", target, got)
	}
}

func TestRawStopOutsideTolerance(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	b := NewClipNode("B", 1000)
	root.AddChild(b)
	recordTake(t, b, constInput(2500, 0.2), 2500, 0)

	if b.IsRecording() {
		t.Fatal("raw stop must commit immediately")
	}
	if got := b.Duration(); got != 2500 {
		t.Errorf("duration = %d, want raw 2500", got)
	}
	if got := b.LoopEnd(); got != 2000 {
		t.Errorf("loop end = %d, want 2000 (previous multiple)", got)
	}
}

func TestRawStopShortTakeDefaultsLoopRegion(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	b := NewClipNode("B", 1000)
	root.AddChild(b)
	recordTake(t, b, constInput(700, 0.2), 700, 0)

	if got := b.Duration(); got != 700 {
		t.Errorf("duration = %d, want raw 700", got)
	}
	if got := b.LoopEnd(); got != 500 {
		t.Errorf("loop end = %d, want 500 (Q/2 default)", got)
	}
}

func TestRotationOnCommit(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 100, 100)

	c := NewClipNode("C", 100)
	root.AddChild(c)

	input := make([]float32, 50)
	input[0] = 0.5
	c.StartRecording()
	c.Process([][]float32{input}, nil, 1, 0, recContext(50, 125))
	if !c.IsRecording() {
		t.Fatal("boundary inside the immediate window should begin capture at once")
	}
	c.StopRecording()

	if got := c.Duration(); got != 50 {
		t.Fatalf("duration = %d, want 50 (Q/2)", got)
	}
	buf := c.Buffer()
	if buf[25] != 0.5 {
		t.Errorf("buffer[25] = %v, want 0.5 (rotated by 25)", buf[25])
	}
	if buf[0] != 0.0 {
		t.Errorf("buffer[0] = %v, want 0.0 after rotation", buf[0])
	}
	if got := c.AnchorPhase(); got != 0 {
		t.Errorf("anchor phase = %d, want 0 after rotation", got)
	}
}

func TestPhaseAlignmentMidTrack(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	slave := NewClipNode("Slave", 1000)
	root.AddChild(slave)

	input := make([]float32, 500)
	input[0] = 0.9
	for i := 1; i < 500; i++ {
		input[i] = 0.1
	}
	recordTake(t, slave, [][]float32{input}, 500, 500)

	if got := slave.LoopEnd(); got != 500 {
		t.Errorf("loop end = %d, want 500", got)
	}
	// trigger 500 against a 1000-sample context: the anchor is not inside
	// the 500-sample loop, so no rotation happens.
	if got := slave.Buffer()[0]; got != 0.9 {
		t.Errorf("buffer[0] = %v, want 0.9 (no rotation)", got)
	}

	var total float32
	for _, p := range slave.Waveform(10) {
		total += p
	}
	if total <= 0 {
		t.Error("waveform of a committed take should not be blank")
	}
}

func TestAnticipatoryStartGuard(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	b := NewClipNode("B", 1000)
	root.AddChild(b)
	b.StartRecording()

	// Within 25% of the next boundary: defer.
	b.Process(constInput(50, 0.2), nil, 1, 0, recContext(50, 900))
	if b.IsRecording() || !b.IsPendingStart() {
		t.Fatal("start within the anticipatory window must wait")
	}

	// On the boundary: start now.
	b.Process(constInput(50, 0.2), nil, 1, 0, recContext(50, 1000))
	if !b.IsRecording() {
		t.Fatal("start on the boundary should begin capture")
	}
	if got := b.TriggerMasterPos(); got != 1000 {
		t.Errorf("trigger position = %d, want 1000", got)
	}
}

func TestDeferredStartCrossesBoundary(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 10000, 10000)

	b := NewClipNode("B", 10000)
	root.AddChild(b)
	b.StartRecording()

	// Far from the boundary and outside the immediate window: schedule.
	b.Process(constInput(100, 0.2), nil, 1, 0, recContext(100, 2000))
	if b.IsRecording() {
		t.Fatal("start should be deferred to the next boundary")
	}
	if got := b.awaitingStartAt.Load(); got != 10000 {
		t.Fatalf("awaiting start at = %d, want 10000", got)
	}

	// Blocks up to the boundary leave it pending.
	b.Process(constInput(100, 0.2), nil, 1, 0, recContext(100, 9800))
	if b.IsRecording() {
		t.Fatal("still before the boundary")
	}

	// The block spanning the boundary flips to capture.
	b.Process(constInput(100, 0.2), nil, 1, 0, recContext(100, 9950))
	if !b.IsRecording() {
		t.Fatal("block spanning the boundary should begin capture")
	}
	if got := b.TriggerMasterPos(); got != 10000 {
		t.Errorf("trigger position = %d, want 10000", got)
	}
}

func TestLaunchPointFormula(t *testing.T) {
	const q = 1000
	cases := []struct {
		duration, anchor, want int64
	}{
		{8 * q, 2 * q, 6 * q},
		{4 * q, 0, 0},
		{9 * q, 2 * q, 7 * q},
		{4 * q, 10 * q, 2 * q}, // anchor beyond duration wraps
	}
	for _, c := range cases {
		got := int64(0)
		if c.anchor > 0 {
			got = (c.duration - c.anchor%c.duration) % c.duration
		}
		if got != c.want {
			t.Errorf("launch(dur=%d, anchor=%d) = %d, want %d", c.duration, c.anchor, got, c.want)
		}
	}
}

func TestLaunchPointZeroesPlayheadAtCommit(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)

	b := NewClipNode("B", 1000)
	root.AddChild(b)
	b.StartRecording()
	b.Process(constInput(950, 0.2), nil, 1, 0, recContext(950, 0))
	b.StopRecording()
	b.Process(constInput(100, 0.2), nil, 1, 0, recContext(100, 950))

	// Commit happened during the block that started at master 950.
	m := b.CommitMasterPos()
	dur := b.LoopEnd() - b.LoopStart()
	if got := (m + b.LaunchPoint()) % dur; got != 0 {
		t.Errorf("effective position at commit = %d, want 0", got)
	}
}

func TestPhaseContinuity(t *testing.T) {
	root := NewBoxNode("Root")
	clip := establishQuantum(t, root, 1000, 1000)

	dur := clip.LoopEnd() - clip.LoopStart()
	launch := clip.LaunchPoint()
	for _, tpos := range []int64{0, 1, 999, 12345, 999999} {
		a := (tpos + launch) % dur
		b := (tpos + dur + launch) % dur
		if a != b {
			t.Errorf("effective position not loop-periodic at t=%d: %d != %d", tpos, a, b)
		}
	}
}

func TestRotationComposition(t *testing.T) {
	const n = 50
	orig := make([]float32, n)
	for i := range orig {
		orig[i] = float32(i)
	}
	scratch := make([]float32, n)

	twice := append([]float32(nil), orig...)
	rotateRight(twice, scratch, 17)
	rotateRight(twice, scratch, 17)

	once := append([]float32(nil), orig...)
	rotateRight(once, scratch, (2*17)%n)

	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("rotate 17 twice != rotate 34 at index %d: %v != %v", i, twice[i], once[i])
		}
	}
}

func TestLoopPointsConstrainPlayback(t *testing.T) {
	clip := NewClipNode("Clip", 44100)
	input := make([]float32, 1000)
	for i := range input {
		input[i] = float32(i%100) / 100
	}
	recordTake(t, clip, [][]float32{input}, 1000, 0)

	if clip.LoopStart() != 0 || clip.LoopEnd() != 1000 {
		t.Fatalf("default loop region = [%d, %d], want [0, 1000]", clip.LoopStart(), clip.LoopEnd())
	}

	clip.SetLoopPoints(200, 600)
	out := make([]float32, 10)
	clip.Process(nil, [][]float32{out}, 0, 1, playContext(10, 0))

	if ph := clip.Playhead.Load(); ph < 0 || ph > 1 {
		t.Errorf("playhead = %v, want within [0, 1]", ph)
	}
	// Loop region starts at index 200 where the ramp reads 0 and rises.
	if out[1] != input[201] {
		t.Errorf("out[1] = %v, want %v from the loop region", out[1], input[201])
	}
}

func TestCapacityExhaustionCommits(t *testing.T) {
	clip := NewClipNode("Tiny", 1) // capacity 60 samples
	clip.StartRecording()
	clip.Process(constInput(100, 0.3), nil, 1, 0, recContext(100, 0))

	if clip.IsRecording() {
		t.Fatal("exhausting the buffer must commit immediately")
	}
	if got := clip.Duration(); got != 60 {
		t.Errorf("duration = %d, want the 60-sample capacity", got)
	}
	if !clip.IsPlaying() {
		t.Error("capacity commit should still start playback")
	}
}

func TestInvariantsAfterCommit(t *testing.T) {
	for _, take := range []int{300, 700, 950, 1000, 1100, 2500} {
		root := NewBoxNode("Root")
		establishQuantum(t, root, 1000, 1000)
		b := NewClipNode("B", 1000)
		root.AddChild(b)

		b.StartRecording()
		b.Process(constInput(take, 0.2), nil, 1, 0, recContext(take, 0))
		b.StopRecording()
		// Drain a deferred commit if the stop was anticipatory.
		for i := 0; i < 20 && b.NodeState.IsRecording(); i++ {
			b.Process(constInput(100, 0.2), nil, 1, 0, recContext(100, int64(take+i*100)))
		}

		start, end, dur := b.LoopStart(), b.LoopEnd(), b.Duration()
		if !(0 <= start && start <= end && end <= dur && dur <= b.Capacity()) {
			t.Errorf("take %d: loop invariant violated: start=%d end=%d dur=%d cap=%d",
				take, start, end, dur, b.Capacity())
		}
		if dur == 0 && b.IsPlaying() {
			t.Errorf("take %d: playing with zero duration", take)
		}
	}
}

func TestSoloSilencing(t *testing.T) {
	root := NewBoxNode("Root")
	clip := establishQuantum(t, root, 100, 100)

	render := func(solo string) float32 {
		out := make([]float32, 10)
		ctx := playContext(10, 0)
		ctx.SoloUUID = solo
		clip.Process(nil, [][]float32{out}, 0, 1, ctx)
		var sum float32
		for _, v := range out {
			if v < 0 {
				v = -v
			}
			sum += v
		}
		return sum
	}

	if render("") == 0 {
		t.Fatal("no solo: clip should be audible")
	}
	if render(clip.UUID()) == 0 {
		t.Error("soloing the clip itself must keep it audible")
	}
	if render(root.UUID()) == 0 {
		t.Error("soloing an ancestor must keep the clip audible")
	}
	if render("someone-else") != 0 {
		t.Error("soloing an unrelated node must silence the clip")
	}

	clip.SetMuted(true)
	if render(clip.UUID()) != 0 {
		t.Error("mute wins over solo")
	}
}

func TestClipMetadata(t *testing.T) {
	root := NewBoxNode("Root")
	establishQuantum(t, root, 1000, 1000)
	b := NewClipNode("B", 1000)
	root.AddChild(b)
	b.StartRecording()
	b.Process(constInput(500, 0.2), nil, 1, 0, recContext(500, 0))

	m := b.Metadata()
	if got := m.Get("type").Str(); got != "clip" {
		t.Errorf("type = %q, want clip", got)
	}
	if !m.Get("isRecording").Bool() {
		t.Error("metadata should report the transport recording flag")
	}
	if got := m.Get("duration").Int64(); got != 500 {
		t.Errorf("live duration = %d, want 500", got)
	}
	if got := m.Get("effectiveQuantum").Int64(); got != 1000 {
		t.Errorf("effective quantum = %d, want 1000", got)
	}
	if m.Get("recordingStartPhase").IsNull() {
		t.Error("recording with a quantum should expose the start phase")
	}

	b.StopRecording()
	m = b.Metadata()
	if m.Get("isRecording").Bool() {
		t.Error("the immediate commit should clear the transport recording flag")
	}
}
