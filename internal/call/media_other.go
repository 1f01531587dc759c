//go:build !linux || !cgo

package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Local capture is only wired for linux. Other platforms report
// MediaUnavailable; tests supply their own MediaSource.
func newMediaPC(stunURL, mode string) (*webrtc.PeerConnection, func(), error) {
	return nil, nil, fmt.Errorf("local media capture not supported on this platform")
}
