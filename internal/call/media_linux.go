//go:build linux && cgo

package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/ripplechat/ripple/internal/proto"
)

// newMediaPC creates a peer connection with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo). Capture failure
// for the requested mode is terminal: the caller maps it to
// ErrMediaUnavailable and the session never signals anything.
func newMediaPC(stunURL, mode string) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately end the call; the default disconnectedTimeout is far too
	// short for relay paths that blip during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stunURL}}},
	})
	if err != nil {
		return nil, nil, err
	}

	// GetUserMedia fails as a unit if any requested track can't be opened,
	// so for video calls try video+audio first and fall back to video-only.
	// A busy microphone shouldn't block the camera.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if mode == proto.ModeVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
		}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL: AddTrack error: %v", err)
			}
		}

		log.Printf("CALL: local media captured (%s), %d tracks", a.label, len(tracks))
		release := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, release, nil
	}

	pc.Close()
	return nil, nil, fmt.Errorf("no capture device available for %s mode", mode)
}
