// Package oto connects the looping engine to an output device through
// github.com/ebitengine/oto/v3. The device pulls interleaved stereo float32
// frames from an io.Reader; each pull becomes one engine block. Capture
// hardware is provided by the embedding application, so the driver passes no
// input channels.
package oto

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ebitengine/oto/v3"

	"github.com/ljketola/kaiku/engine"
)

const numOutputs = 2

// Context owns the device context and the single output player.
type Context struct {
	ctx    *oto.Context
	player *oto.Player
}

// blockReader renders engine blocks into the byte format oto consumes. All
// buffers are preallocated; Read runs on oto's audio goroutine and must not
// allocate.
type blockReader struct {
	engine        *engine.Engine
	blockSize     int
	buf           []float32   // numOutputs contiguous channel planes
	views         [][]float32 // per-pull channel views into buf
	inputLatency  int
	outputLatency int
}

func (r *blockReader) Read(p []byte) (int, error) {
	const frameBytes = 4 * numOutputs
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}
	if frames > r.blockSize {
		frames = r.blockSize
	}

	for ch := 0; ch < numOutputs; ch++ {
		r.views[ch] = r.buf[ch*r.blockSize : ch*r.blockSize+frames]
	}
	r.engine.OnBlock(nil, 0, r.views, numOutputs, frames, r.inputLatency, r.outputLatency)

	for i := 0; i < frames; i++ {
		for ch := 0; ch < numOutputs; ch++ {
			binary.LittleEndian.PutUint32(p[i*frameBytes+ch*4:], math.Float32bits(r.views[ch][i]))
		}
	}
	return frames * frameBytes, nil
}

// NewContext opens the default output device at the given rate and prepares a
// player that pulls blocks of at most blockSize frames from e. Nothing is
// pulled until Start is called.
func NewContext(e *engine.Engine, sampleRate, blockSize int, inputLatency, outputLatency int) (*Context, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: numOutputs,
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready

	r := &blockReader{
		engine:        e,
		blockSize:     blockSize,
		buf:           make([]float32, numOutputs*blockSize),
		views:         make([][]float32, numOutputs),
		inputLatency:  inputLatency,
		outputLatency: outputLatency,
	}
	return &Context{ctx: ctx, player: ctx.NewPlayer(r)}, nil
}

// Start begins pulling audio from the engine.
func (c *Context) Start() { c.player.Play() }

// Close stops the device player.
func (c *Context) Close() error {
	if err := c.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}
