package simpipe

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	rtpMTU         = 1200
	rtpPayloadType = 96
	videoClockRate = 90000
)

// rawVideoTrack implements pion's webrtc.TrackLocal for uncompressed frames
// completed by external sources. Frames are split into RTP packets and
// written to every bound sender.
type rawVideoTrack struct {
	id       string
	streamID string
	codec    webrtc.RTPCodecCapability
	ssrc     uint32

	bindMu   sync.RWMutex
	bindings []webrtc.TrackLocalContext

	mu      sync.Mutex
	seq     uint16
	packets uint64
	bytes   uint64
}

func newRawVideoTrack(id, streamID string, ssrc uint32) *rawVideoTrack {
	return &rawVideoTrack{
		id:       id,
		streamID: streamID,
		ssrc:     ssrc,
		codec: webrtc.RTPCodecCapability{
			MimeType:  "video/raw",
			ClockRate: videoClockRate,
		},
	}
}

// ID implements webrtc.TrackLocal.
func (t *rawVideoTrack) ID() string { return t.id }

// RID implements webrtc.TrackLocal.
func (t *rawVideoTrack) RID() string { return "" }

// StreamID implements webrtc.TrackLocal.
func (t *rawVideoTrack) StreamID() string { return t.streamID }

// Kind implements webrtc.TrackLocal.
func (t *rawVideoTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// Bind implements webrtc.TrackLocal.
func (t *rawVideoTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()
	t.bindings = append(t.bindings, ctx)
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: t.codec,
		PayloadType:        rtpPayloadType,
	}, nil
}

// Unbind implements webrtc.TrackLocal.
func (t *rawVideoTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()
	for i, b := range t.bindings {
		if b.ID() == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// writeFrame packetizes the planes of one frame. The marker bit is set on the
// last packet of the frame.
func (t *rawVideoTrack) writeFrame(planes [][]byte, timestampMs int64) (int, error) {
	var size int
	for _, p := range planes {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for _, p := range planes {
		payload = append(payload, p...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ts := uint32(timestampMs * videoClockRate / 1000)
	n := 0
	for off := 0; off < len(payload) || n == 0; off += rtpMTU {
		end := min(off+rtpMTU, len(payload))
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    rtpPayloadType,
				SequenceNumber: t.seq,
				Timestamp:      ts,
				SSRC:           t.ssrc,
				Marker:         end == len(payload),
			},
			Payload: payload[off:end],
		}
		t.seq++
		if err := t.writeRTP(pkt); err != nil {
			return n, err
		}
		t.packets++
		t.bytes += uint64(pkt.MarshalSize())
		n++
	}
	return n, nil
}

func (t *rawVideoTrack) writeRTP(p *rtp.Packet) error {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	for _, b := range t.bindings {
		if _, err := b.WriteStream().WriteRTP(&p.Header, p.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (t *rawVideoTrack) stats() (packets, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packets, t.bytes
}

var _ webrtc.TrackLocal = (*rawVideoTrack)(nil)
