package call

import "github.com/pion/webrtc/v4"

// Engine is the production MediaSource: it builds peer connections with
// local camera/microphone capture attached. The capture path is
// platform-specific; see media_linux.go.
type Engine struct {
	stunURL string
}

func NewEngine(stunURL string) *Engine {
	return &Engine{stunURL: stunURL}
}

// NewSession implements MediaSource.
func (e *Engine) NewSession(mode string) (*webrtc.PeerConnection, func(), error) {
	return newMediaPC(e.stunURL, mode)
}
