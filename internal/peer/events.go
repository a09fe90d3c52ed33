package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/rtcnet/internal/models"
)

// RTCEvent is a primitive-specific notification outside the NetworkEvent
// vocabulary. Delivery is best effort. Implemented by TrackAdded and
// StateChanged only.
type RTCEvent interface {
	rtcEvent()
}

// TrackAdded reports a remote media track.
type TrackAdded struct {
	ConnectionID models.ConnectionID
	Track        *webrtc.TrackRemote
}

// StateChanged reports a change of the primitive's aggregate state.
type StateChanged struct {
	ConnectionID models.ConnectionID
	State        webrtc.PeerConnectionState
}

func (TrackAdded) rtcEvent()   {}
func (StateChanged) rtcEvent() {}

// Message is one data message received from the remote side.
type Message struct {
	Data     []byte
	Reliable bool
}
