package peer

import "github.com/pion/webrtc/v4"

// Primitive is the connection primitive a session drives: the object that
// actually gathers candidates, runs ICE and DTLS and moves data. Operations
// that take a completion callback may complete on any goroutine, before or
// after they return. Callbacks registered with the On methods may also fire
// on any goroutine.
type Primitive interface {
	// CreateOffer creates an offer; with iceRestart set the offer carries
	// fresh ICE credentials.
	CreateOffer(iceRestart bool, done func(webrtc.SessionDescription, error))
	CreateAnswer(done func(webrtc.SessionDescription, error))
	SetLocalDescription(desc webrtc.SessionDescription, done func(error))
	SetRemoteDescription(desc webrtc.SessionDescription, done func(error))
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate reports each locally gathered candidate.
	OnICECandidate(func(webrtc.ICECandidateInit))

	// OnStateChange reports aggregate connectivity. The primitive reports
	// connected only once both data channels are open.
	OnStateChange(func(webrtc.PeerConnectionState))

	// OnNegotiationNeeded reports that local changes need a new exchange.
	OnNegotiationNeeded(func())

	// OnMessage reports data received on the reliable or unreliable channel.
	OnMessage(func(data []byte, reliable bool))

	// OnRemoteTrack reports media tracks added by the remote side.
	OnRemoteTrack(func(*webrtc.TrackRemote))

	Send(data []byte, reliable bool) error
	BufferedAmount(reliable bool) uint64
	AttachLocalSource(tracks []webrtc.TrackLocal) error
	Close() error
}

// Factory creates one primitive per session.
type Factory interface {
	NewPrimitive(config Config) (Primitive, error)
}
