package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

const (
	reliableChannelID   = 0
	unreliableChannelID = 1
)

// PionConfig configures a PionFactory.
type PionConfig struct {
	// IncludeLoopbackCandidates gathers 127.0.0.1 candidates, which same
	// host tests and embedded setups need.
	IncludeLoopbackCandidates bool

	// Net replaces the host network stack, e.g. with a vnet for tests.
	Net transport.Net

	LoggerFactory logging.LoggerFactory
}

// PionFactory creates primitives backed by pion PeerConnections.
type PionFactory struct {
	api *webrtc.API
	log logging.LeveledLogger
}

// Compile-time interface check.
var _ Factory = (*PionFactory)(nil)

// NewPionFactory builds the pion API shared by every primitive it creates.
func NewPionFactory(config PionConfig) (*PionFactory, error) {
	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: factory}
	settingEngine.SetIncludeLoopbackCandidate(config.IncludeLoopbackCandidates)
	if config.Net != nil {
		settingEngine.SetNet(config.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine), webrtc.WithMediaEngine(mediaEngine))
	return &PionFactory{api: api, log: factory.NewLogger("peer")}, nil
}

// NewPrimitive creates a PeerConnection with two pre-negotiated data
// channels: "reliable" (ordered) and "unreliable" (unordered, no
// retransmits). Both ends create the same channels, so no in-band channel
// announcement is needed.
func (f *PionFactory) NewPrimitive(config Config) (Primitive, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &pionPrimitive{pc: pc, log: f.log, pcState: webrtc.PeerConnectionStateNew}

	negotiated := true
	ordered := true
	id := uint16(reliableChannelID)
	p.reliable, err = pc.CreateDataChannel("reliable", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
		Ordered:    &ordered,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating reliable channel: %w", err)
	}

	unordered := false
	retransmits := uint16(0)
	unreliableID := uint16(unreliableChannelID)
	p.unreliable, err = pc.CreateDataChannel("unreliable", &webrtc.DataChannelInit{
		Negotiated:     &negotiated,
		ID:             &unreliableID,
		Ordered:        &unordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating unreliable channel: %w", err)
	}

	p.wire()
	return p, nil
}

// pionPrimitive adapts a PeerConnection to Primitive. Its reported state is
// the PeerConnection state, except that connected waits for both data
// channels and a closed data channel reports closed.
type pionPrimitive struct {
	pc         *webrtc.PeerConnection
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel
	log        logging.LeveledLogger

	mu            sync.Mutex
	pcState       webrtc.PeerConnectionState
	openChannels  int
	channelClosed bool
	closing       bool
	reported      webrtc.PeerConnectionState
	onCandidate   func(webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onNeeded      func()
	onMessage     func([]byte, bool)
	onTrack       func(*webrtc.TrackRemote)
}

func (p *pionPrimitive) wire() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		p.pcState = state
		if state == webrtc.PeerConnectionStateConnected {
			// A channel close seen during a restart no longer counts; the
			// open channel count decides from here.
			p.channelClosed = false
		}
		p.mu.Unlock()
		p.publish()
	})
	p.pc.OnNegotiationNeeded(func() {
		p.mu.Lock()
		fn := p.onNeeded
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	for _, dc := range []*webrtc.DataChannel{p.reliable, p.unreliable} {
		reliable := dc == p.reliable
		dc.OnOpen(func() {
			p.mu.Lock()
			p.openChannels++
			p.mu.Unlock()
			p.publish()
		})
		dc.OnClose(func() {
			p.mu.Lock()
			if p.openChannels > 0 {
				p.openChannels--
			}
			if !p.closing {
				p.channelClosed = true
			}
			p.mu.Unlock()
			p.publish()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.mu.Lock()
			fn := p.onMessage
			p.mu.Unlock()
			if fn != nil {
				fn(msg.Data, reliable)
			}
		})
	}
}

func (p *pionPrimitive) aggregateLocked() webrtc.PeerConnectionState {
	switch {
	case p.channelClosed:
		return webrtc.PeerConnectionStateClosed
	case p.pcState == webrtc.PeerConnectionStateConnected && p.openChannels < 2:
		return webrtc.PeerConnectionStateConnecting
	default:
		return p.pcState
	}
}

// publish reports the aggregate state if it changed.
func (p *pionPrimitive) publish() {
	p.mu.Lock()
	state := p.aggregateLocked()
	if state == p.reported || p.closing {
		p.mu.Unlock()
		return
	}
	p.reported = state
	fn := p.onState
	p.mu.Unlock()

	p.log.Debugf("primitive state %s", state)
	if fn != nil {
		fn(state)
	}
}

func (p *pionPrimitive) CreateOffer(iceRestart bool, done func(webrtc.SessionDescription, error)) {
	go func() {
		offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
		done(offer, err)
	}()
}

func (p *pionPrimitive) CreateAnswer(done func(webrtc.SessionDescription, error)) {
	go func() {
		answer, err := p.pc.CreateAnswer(nil)
		done(answer, err)
	}()
}

func (p *pionPrimitive) SetLocalDescription(desc webrtc.SessionDescription, done func(error)) {
	go func() { done(p.pc.SetLocalDescription(desc)) }()
}

func (p *pionPrimitive) SetRemoteDescription(desc webrtc.SessionDescription, done func(error)) {
	go func() { done(p.pc.SetRemoteDescription(desc)) }()
}

func (p *pionPrimitive) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPrimitive) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *pionPrimitive) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPrimitive) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNeeded = fn
	p.mu.Unlock()
}

func (p *pionPrimitive) OnMessage(fn func([]byte, bool)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

func (p *pionPrimitive) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *pionPrimitive) channel(reliable bool) *webrtc.DataChannel {
	if reliable {
		return p.reliable
	}
	return p.unreliable
}

func (p *pionPrimitive) Send(data []byte, reliable bool) error {
	return p.channel(reliable).Send(data)
}

func (p *pionPrimitive) BufferedAmount(reliable bool) uint64 {
	return p.channel(reliable).BufferedAmount()
}

func (p *pionPrimitive) AttachLocalSource(tracks []webrtc.TrackLocal) error {
	var errs []error
	for _, track := range tracks {
		if _, err := p.pc.AddTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("adding track %s: %w", track.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *pionPrimitive) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	return p.pc.Close()
}
