package mrbridge

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// PatternConfig configures a PatternProducer.
type PatternConfig struct {
	Width   int         // Frame width (default: 640)
	Height  int         // Frame height (default: 480)
	Format  PixelFormat // Must match the source format (default: I420)
	Pattern PatternType // Pattern type (default: ColorBars)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)
}

// PatternProducer answers frame requests with a synthetic test pattern.
// Use its Handle method as the FrameRequestHandler of an external source.
type PatternProducer struct {
	config PatternConfig

	mu       sync.Mutex
	buf      *VideoFrameBuffer
	frames   uint64
	failures uint64
	rngState uint64
}

// NewPatternProducer creates a producer, applying defaults to config.
func NewPatternProducer(config PatternConfig) *PatternProducer {
	if config.Width <= 0 {
		config.Width = 640
	}
	if config.Height <= 0 {
		config.Height = 480
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	p := &PatternProducer{
		config:   config,
		buf:      NewVideoFrameBuffer(config.Width, config.Height, config.Format),
		rngState: uint64(time.Now().UnixNano()) | 1,
	}
	p.render(0)
	return p
}

// Config returns the effective configuration.
func (p *PatternProducer) Config() PatternConfig { return p.config }

// Frames returns the number of frames accepted by the pipeline.
func (p *PatternProducer) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Failures returns the number of frames the pipeline rejected.
func (p *PatternProducer) Failures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Handle implements FrameRequestHandler.
func (p *PatternProducer) Handle(req *FrameRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.animated() {
		p.render(p.frames + 1)
	}
	p.buf.TimestampNs = req.TimestampMs * int64(time.Millisecond)
	frame := p.buf.ToVideoFrame()
	if err := req.Complete(&frame); err != nil {
		p.failures++
		Logger().Debug("pattern frame rejected",
			zap.Uint32("request_id", req.RequestID),
			zap.Error(err))
		return
	}
	p.frames++
}

// Frame renders the next frame without a request, for preview and tests.
func (p *PatternProducer) Frame() VideoFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.animated() {
		p.render(p.frames + 1)
	}
	f := p.buf.ToVideoFrame()
	return *f.Clone()
}

func (p *PatternProducer) animated() bool {
	return p.config.Pattern == PatternMovingBox || p.config.Pattern == PatternNoise
}

func (p *PatternProducer) render(frameNum uint64) {
	switch p.config.Pattern {
	case PatternGradient:
		p.renderGradient()
	case PatternCheckerboard:
		p.renderCheckerboard()
	case PatternSolidColor:
		p.fill(p.config.SolidR, p.config.SolidG, p.config.SolidB)
	case PatternNoise:
		p.renderNoise()
	case PatternMovingBox:
		p.renderMovingBox(frameNum)
	default:
		p.renderColorBars()
	}
	if p.buf.A != nil {
		for i := range p.buf.A {
			p.buf.A[i] = 255
		}
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (p *PatternProducer) renderColorBars() {
	w, h := p.config.Width, p.config.Height
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb := colorBarsRGB[min(x/barWidth, 7)]
			p.set(x, y, rgb[0], rgb[1], rgb[2])
		}
	}
}

func (p *PatternProducer) renderGradient() {
	w, h := p.config.Width, p.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := uint8((x * 255) / w)
			p.set(x, y, l, l, l)
		}
	}
}

func (p *PatternProducer) renderCheckerboard() {
	w, h := p.config.Width, p.config.Height
	size := p.config.CheckerSize
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/size)+(y/size))%2 == 0 {
				p.set(x, y, 255, 255, 255)
			} else {
				p.set(x, y, 0, 0, 0)
			}
		}
	}
}

func (p *PatternProducer) renderNoise() {
	w, h := p.config.Width, p.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// xorshift64
			p.rngState ^= p.rngState << 13
			p.rngState ^= p.rngState >> 7
			p.rngState ^= p.rngState << 17
			l := uint8(p.rngState)
			p.set(x, y, l, l, l)
		}
	}
}

func (p *PatternProducer) renderMovingBox(frameNum uint64) {
	w, h := p.config.Width, p.config.Height
	p.fill(0, 0, 0)

	boxSize := max(min(w, h)/5, 1)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05 // Radians per frame
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			p.set(x, y, 255, 255, 255)
		}
	}
}

func (p *PatternProducer) fill(r, g, b uint8) {
	w, h := p.config.Width, p.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p.set(x, y, r, g, b)
		}
	}
}

// set writes one pixel. Chroma is taken from the top-left pixel of each 2x2
// block.
func (p *PatternProducer) set(x, y int, r, g, b uint8) {
	buf := p.buf
	if buf.Format == PixelFormatARGB32 {
		// Little-endian ARGB32 is B, G, R, A in memory.
		i := y*buf.StrideY + x*4
		buf.Data[i] = b
		buf.Data[i+1] = g
		buf.Data[i+2] = r
		buf.Data[i+3] = 255
		return
	}
	yv, u, v := rgbToYUV(r, g, b)
	buf.Y[y*buf.StrideY+x] = yv
	if x%2 == 0 && y%2 == 0 {
		buf.U[(y/2)*buf.StrideU+x/2] = u
		buf.V[(y/2)*buf.StrideV+x/2] = v
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clampf(yf, 16, 235))
	u = uint8(clampf(uf, 16, 240))
	v = uint8(clampf(vf, 16, 240))
	return
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
