// Frame types handed to the native pipeline by external sources.
package mrbridge

import "fmt"

// PixelFormat represents the pixel formats an external source can produce.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatI420A                     // YUV 4:2:0 planar with alpha plane (Y + U + V + A)
	PixelFormatARGB32                    // Packed 32-bit ARGB
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatI420A:
		return "I420A"
	case PixelFormatARGB32:
		return "ARGB32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatI420A:
		return 4 // Y, U, V, A
	case PixelFormatARGB32:
		return 1 // Packed
	default:
		return 0
	}
}

// VideoFrame is a raw video frame produced by the host.
// Plane data is only read during the Complete call that hands it over; the
// native side copies what it keeps.
type VideoFrame struct {
	Data      [][]byte    // Plane data (1-4 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Capture timestamp in nanoseconds
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// validate checks that f can be read as a frame of the given format without
// reading past any plane.
func (f *VideoFrame) validate(format PixelFormat) error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if f.Format != format {
		return fmt.Errorf("%w: format %s, source expects %s", ErrInvalidFrame, f.Format, format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	planes := format.PlaneCount()
	if len(f.Data) < planes || len(f.Stride) < planes {
		return fmt.Errorf("%w: %d planes, %s needs %d", ErrInvalidFrame, len(f.Data), format, planes)
	}
	for i := 0; i < planes; i++ {
		rows := f.Height
		minStride := f.Width
		switch {
		case format == PixelFormatARGB32:
			minStride = f.Width * 4
		case i == 1 || i == 2:
			rows = (f.Height + 1) / 2
			minStride = (f.Width + 1) / 2
		}
		if f.Stride[i] < minStride {
			return fmt.Errorf("%w: plane %d stride %d < %d", ErrInvalidFrame, i, f.Stride[i], minStride)
		}
		if len(f.Data[i]) < f.Stride[i]*rows {
			return fmt.Errorf("%w: plane %d has %d bytes, need %d", ErrInvalidFrame, i, len(f.Data[i]), f.Stride[i]*rows)
		}
	}
	return nil
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := ((width + 1) / 2) * ((height + 1) / 2)
	return ySize + uvSize*2
}

// VideoFrameBuffer is a pre-allocated frame buffer reused across requests.
type VideoFrameBuffer struct {
	Y []byte
	U []byte
	V []byte
	A []byte // Alpha plane (I420A only)

	// Packed formats (ARGB32)
	Data []byte

	Width       int
	Height      int
	StrideY     int
	StrideU     int
	StrideV     int
	StrideA     int
	Format      PixelFormat
	TimestampNs int64
}

// NewVideoFrameBuffer creates a new pre-allocated frame buffer.
func NewVideoFrameBuffer(width, height int, format PixelFormat) *VideoFrameBuffer {
	buf := &VideoFrameBuffer{
		Width:  width,
		Height: height,
		Format: format,
	}

	switch format {
	case PixelFormatI420, PixelFormatI420A:
		ySize := width * height
		uvWidth := (width + 1) / 2
		uvSize := uvWidth * ((height + 1) / 2)
		buf.Y = make([]byte, ySize)
		buf.U = make([]byte, uvSize)
		buf.V = make([]byte, uvSize)
		buf.StrideY = width
		buf.StrideU = uvWidth
		buf.StrideV = uvWidth
		if format == PixelFormatI420A {
			buf.A = make([]byte, ySize)
			buf.StrideA = width
		}
	case PixelFormatARGB32:
		buf.Data = make([]byte, width*height*4)
		buf.StrideY = width * 4
	}

	return buf
}

// ToVideoFrame creates a VideoFrame pointing to this buffer's data.
// The returned frame is only valid while the buffer is not modified.
func (b *VideoFrameBuffer) ToVideoFrame() VideoFrame {
	frame := VideoFrame{
		Width:     b.Width,
		Height:    b.Height,
		Format:    b.Format,
		Timestamp: b.TimestampNs,
	}

	switch b.Format {
	case PixelFormatI420:
		frame.Data = [][]byte{b.Y, b.U, b.V}
		frame.Stride = []int{b.StrideY, b.StrideU, b.StrideV}
	case PixelFormatI420A:
		frame.Data = [][]byte{b.Y, b.U, b.V, b.A}
		frame.Stride = []int{b.StrideY, b.StrideU, b.StrideV, b.StrideA}
	default:
		frame.Data = [][]byte{b.Data}
		frame.Stride = []int{b.StrideY}
	}

	return frame
}
