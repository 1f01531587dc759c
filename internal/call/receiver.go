// internal/call/receiver.go
package call

import (
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested for a remote video
// track. Without periodic PLI a receiver that joins mid-stream can sit on
// a broken picture until the sender happens to emit a keyframe.
const pliInterval = 3 * time.Second

// TrackStats counts traffic on one remote track.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
}

// handleRemoteTrack drains RTP from a remote track for the lifetime of the
// session and, for video, keeps the picture fresh with periodic PLI. The
// decoded frames themselves are consumed by the platform media sink, which
// is outside this core.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	log.Printf("CALL [%s]: remote %s track %s", s.id, track.Kind(), track.ID())

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.pliLoop(pc, track.SSRC())
	}

	var packets, bytes atomic.Uint64
	s.statsMu.Lock()
	s.trackStats[track.ID()] = func() TrackStats {
		return TrackStats{Packets: packets.Load(), Bytes: bytes.Load()}
	}
	s.statsMu.Unlock()

	var pkt rtp.Packet
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: track %s read ended: %v", s.id, track.ID(), err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		packets.Add(1)
		bytes.Add(uint64(len(pkt.Payload)))
	}
}

// pliLoop requests a fresh keyframe every pliInterval until the session's
// peer connection goes away.
func (s *Session) pliLoop(pc *webrtc.PeerConnection, ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		live := s.pc == pc
		s.mu.Unlock()
		if !live {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
		})
		if err != nil {
			return
		}
	}
}

// Stats returns per-track traffic counters for diagnostics.
func (s *Session) Stats() map[string]TrackStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make(map[string]TrackStats, len(s.trackStats))
	for id, fn := range s.trackStats {
		out[id] = fn()
	}
	return out
}
