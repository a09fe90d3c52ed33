// Package peertest provides an in-memory connection primitive for tests.
// Fake primitives find each other through the session descriptions they
// exchange, so two sessions wired through any signaling path connect
// without touching the network.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/rtcnet/internal/peer"
)

var (
	ErrNotConnected     = errors.New("peertest: not connected")
	ErrNoRemote         = errors.New("peertest: remote description not set")
	ErrUnknownPrimitive = errors.New("peertest: unknown primitive in description")
)

// Network is a peer.Factory whose primitives can reach each other.
type Network struct {
	mu     sync.Mutex
	byName map[string]*Primitive
	all    []*Primitive
}

// Compile-time interface checks.
var (
	_ peer.Factory   = (*Network)(nil)
	_ peer.Primitive = (*Primitive)(nil)
)

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{byName: make(map[string]*Primitive)}
}

func (n *Network) NewPrimitive(peer.Config) (peer.Primitive, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := &Primitive{
		network: n,
		name:    fmt.Sprintf("p%d", len(n.all)+1),
		state:   webrtc.PeerConnectionStateNew,
	}
	n.byName[p.name] = p
	n.all = append(n.all, p)
	return p, nil
}

// Primitives returns every primitive created so far, oldest first.
func (n *Network) Primitives() []*Primitive {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Primitive(nil), n.all...)
}

func (n *Network) lookup(name string) *Primitive {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byName[name]
}

// Primitive is a fake connection primitive. Completion callbacks run
// synchronously. Descriptions look like "fake <name> <generation>".
type Primitive struct {
	network *Network
	name    string

	// Injected failures.
	OfferErr  error
	AnswerErr error
	RemoteErr error

	// Buffered is reported by BufferedAmount.
	Buffered uint64

	mu          sync.Mutex
	generation  int
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteName  string
	state       webrtc.PeerConnectionState
	closed      bool
	restarts    int
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onNeeded    func()
	onMessage   func([]byte, bool)
	onTrack     func(*webrtc.TrackRemote)
}

func (p *Primitive) Name() string { return p.name }

// State returns the last state reported.
func (p *Primitive) State() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Closed reports whether Close was called.
func (p *Primitive) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Candidates returns the remote candidates added so far.
func (p *Primitive) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// ICERestarts counts offers created with iceRestart set.
func (p *Primitive) ICERestarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// Remote returns the primitive on the other end, if linked.
func (p *Primitive) Remote() *Primitive {
	p.mu.Lock()
	name := p.remoteName
	p.mu.Unlock()
	if name == "" {
		return nil
	}
	return p.network.lookup(name)
}

func (p *Primitive) describe(sdpType webrtc.SDPType) webrtc.SessionDescription {
	p.generation++
	return webrtc.SessionDescription{Type: sdpType, SDP: fmt.Sprintf("fake %s %d", p.name, p.generation)}
}

func (p *Primitive) CreateOffer(iceRestart bool, done func(webrtc.SessionDescription, error)) {
	p.mu.Lock()
	if p.OfferErr != nil {
		err := p.OfferErr
		p.mu.Unlock()
		done(webrtc.SessionDescription{}, err)
		return
	}
	if iceRestart {
		p.restarts++
	}
	offer := p.describe(webrtc.SDPTypeOffer)
	p.mu.Unlock()
	done(offer, nil)
}

func (p *Primitive) CreateAnswer(done func(webrtc.SessionDescription, error)) {
	p.mu.Lock()
	if p.AnswerErr != nil {
		err := p.AnswerErr
		p.mu.Unlock()
		done(webrtc.SessionDescription{}, err)
		return
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		p.mu.Unlock()
		done(webrtc.SessionDescription{}, ErrNoRemote)
		return
	}
	answer := p.describe(webrtc.SDPTypeAnswer)
	p.mu.Unlock()
	done(answer, nil)
}

// SetLocalDescription stores desc and gathers one host candidate.
func (p *Primitive) SetLocalDescription(desc webrtc.SessionDescription, done func(error)) {
	p.mu.Lock()
	p.local = &desc
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if onCandidate != nil {
		mid := "0"
		onCandidate(webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:%s 1 udp 2130706431 127.0.0.1 %d typ host", p.name, 5000+len(p.name)),
			SDPMid:    &mid,
		})
	}
	done(nil)
	p.maybeConnect()
}

func (p *Primitive) SetRemoteDescription(desc webrtc.SessionDescription, done func(error)) {
	var name string
	var generation int
	if _, err := fmt.Sscanf(desc.SDP, "fake %s %d", &name, &generation); err != nil {
		done(fmt.Errorf("peertest: bad description %q: %w", desc.SDP, err))
		return
	}
	if p.network.lookup(name) == nil {
		done(ErrUnknownPrimitive)
		return
	}

	p.mu.Lock()
	if p.RemoteErr != nil {
		err := p.RemoteErr
		p.mu.Unlock()
		done(err)
		return
	}
	p.remote = &desc
	p.remoteName = name
	p.mu.Unlock()

	done(nil)
	p.maybeConnect()
}

// maybeConnect connects both ends once the offerer applied the answer.
func (p *Primitive) maybeConnect() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil &&
		p.local.Type == webrtc.SDPTypeOffer && p.remote.Type == webrtc.SDPTypeAnswer
	p.mu.Unlock()
	if !ready {
		return
	}
	remote := p.Remote()
	if remote == nil {
		return
	}
	p.setState(webrtc.PeerConnectionStateConnected)
	remote.setState(webrtc.PeerConnectionStateConnected)
}

func (p *Primitive) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	if p.closed || p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(state)
	}
}

// Drop simulates lost connectivity on both ends.
func (p *Primitive) Drop() {
	p.setState(webrtc.PeerConnectionStateFailed)
	if remote := p.Remote(); remote != nil {
		remote.setState(webrtc.PeerConnectionStateFailed)
	}
}

// DropLocal reports lost connectivity on this end only.
func (p *Primitive) DropLocal() {
	p.setState(webrtc.PeerConnectionStateFailed)
}

// CloseChannels reports the data channels closed while leaving the
// primitive usable.
func (p *Primitive) CloseChannels() {
	p.setState(webrtc.PeerConnectionStateClosed)
}

// RequestNegotiation fires the negotiation-needed callback.
func (p *Primitive) RequestNegotiation() {
	p.mu.Lock()
	onNeeded := p.onNeeded
	p.mu.Unlock()
	if onNeeded != nil {
		onNeeded()
	}
}

func (p *Primitive) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ErrNoRemote
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *Primitive) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Primitive) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Primitive) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNeeded = fn
	p.mu.Unlock()
}

func (p *Primitive) OnMessage(fn func([]byte, bool)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

func (p *Primitive) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Primitive) Send(data []byte, reliable bool) error {
	p.mu.Lock()
	connected := p.state == webrtc.PeerConnectionStateConnected
	p.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	remote := p.Remote()
	if remote == nil {
		return ErrNotConnected
	}

	remote.mu.Lock()
	onMessage := remote.onMessage
	remoteConnected := remote.state == webrtc.PeerConnectionStateConnected
	remote.mu.Unlock()
	if !remoteConnected {
		return ErrNotConnected
	}
	if onMessage != nil {
		onMessage(append([]byte(nil), data...), reliable)
	}
	return nil
}

func (p *Primitive) BufferedAmount(bool) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Buffered
}

// AttachLocalSource reports one remote track on the other end per track.
func (p *Primitive) AttachLocalSource(tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	p.tracks = append(p.tracks, tracks...)
	p.mu.Unlock()

	remote := p.Remote()
	if remote == nil {
		return ErrNotConnected
	}
	remote.mu.Lock()
	onTrack := remote.onTrack
	remote.mu.Unlock()
	if onTrack != nil {
		for range tracks {
			onTrack(&webrtc.TrackRemote{})
		}
	}
	return nil
}

// Close closes this end and reports the remote end closed.
func (p *Primitive) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = webrtc.PeerConnectionStateClosed
	p.mu.Unlock()

	if remote := p.Remote(); remote != nil {
		remote.setState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}
