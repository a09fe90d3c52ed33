// Package peer drives one connection primitive per remote endpoint: role
// negotiation, the offer/answer exchange, candidate relay and ICE restarts.
//
// A Session never talks to the network itself. The owner feeds it signaling
// messages with HandleSignal and carries whatever DequeueSignal returns to
// the remote session. Everything the primitive reports asynchronously is
// queued and only applied by the next call to Update, so a session changes
// state only inside calls made by its owner.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/rtcnet/internal/models"
)

// ErrSessionClosed is returned by operations on a finished session.
var ErrSessionClosed = errors.New("peer: session closed")

// State is the externally visible session state.
type State int

const (
	StateCreated State = iota
	StateSignaling
	StateSignalingFailed
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSignaling:
		return "signaling"
	case StateSignalingFailed:
		return "signaling-failed"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type role int

const (
	roleUndecided role = iota
	roleOfferer
	roleAnswerer
)

// Session is the state machine for one connection primitive. It is not safe
// for concurrent use except for the primitive's callbacks, which only queue.
type Session struct {
	id     models.ConnectionID
	config Config
	prim   Primitive
	log    logging.LeveledLogger

	inboxMu sync.Mutex
	inbox   []func()

	now    time.Time
	state  State
	reason string

	role          role
	elect         bool  // role numbers are accepted
	localNumber   int32 // last number sent, 0 once an election is settled
	ties          int
	everConnected bool

	negotiating       bool // an offer/answer exchange is in flight
	remoteReady       bool // remote description applied for the current exchange
	pendingCandidates []webrtc.ICECandidateInit

	restarts     int
	restarting   bool
	restartSince time.Time
	primClosed   bool

	signals   []string
	messages  []Message
	rtcEvents []RTCEvent
}

// NewSession wraps prim. The session takes ownership of prim and closes it
// in Close.
func NewSession(id models.ConnectionID, prim Primitive, config Config) *Session {
	config = config.WithDefaults()
	s := &Session{
		id:     id,
		config: config,
		prim:   prim,
		log:    config.LoggerFactory.NewLogger("peer"),
		elect:  true,
	}

	prim.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		s.post(func() { s.emitCandidate(candidate) })
	})
	prim.OnStateChange(func(state webrtc.PeerConnectionState) {
		s.post(func() { s.onPrimitiveState(state) })
	})
	prim.OnNegotiationNeeded(func() {
		s.post(s.onNegotiationNeeded)
	})
	prim.OnMessage(func(data []byte, reliable bool) {
		msg := Message{Data: append([]byte(nil), data...), Reliable: reliable}
		s.post(func() { s.messages = append(s.messages, msg) })
	})
	prim.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		s.post(func() { s.rtcEvents = append(s.rtcEvents, TrackAdded{ConnectionID: s.id, Track: track}) })
	})
	return s
}

func (s *Session) ID() models.ConnectionID { return s.id }
func (s *Session) State() State            { return s.state }

// Reason describes why the session failed or closed.
func (s *Session) Reason() string { return s.reason }

// Offerer reports whether the session holds the offerer role.
func (s *Session) Offerer() bool { return s.role == roleOfferer }

// Restarts is the number of ICE restarts since the last time the
// connection was up.
func (s *Session) Restarts() int { return s.restarts }

// post queues a primitive completion for the next Update.
func (s *Session) post(fn func()) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()
}

func (s *Session) finished() bool {
	return s.state == StateSignalingFailed || s.state == StateClosing || s.state == StateClosed
}

func (s *Session) enterSignaling() {
	if s.state == StateCreated {
		s.state = StateSignaling
	}
}

// Negotiate starts role negotiation from this side by sending a number.
func (s *Session) Negotiate() {
	if s.finished() {
		return
	}
	s.enterSignaling()
	if s.localNumber == 0 {
		s.sendNumber()
	}
}

// AwaitNegotiation moves the session to StateSignaling without sending
// anything; the remote side is expected to start role negotiation.
func (s *Session) AwaitNegotiation() {
	if s.finished() {
		return
	}
	s.enterSignaling()
}

// StartAsOfferer skips role negotiation for the initial handshake and
// sends an offer right away.
func (s *Session) StartAsOfferer() {
	if s.finished() {
		return
	}
	s.enterSignaling()
	s.elect = false
	s.localNumber = 0
	s.startOffer(false)
}

// HandleSignal processes one message from the remote session. Malformed
// messages are logged and dropped.
func (s *Session) HandleSignal(msg string) {
	if s.finished() {
		return
	}
	sig, err := parseSignal(msg)
	if err != nil {
		s.log.Warnf("connection %d: dropping signal: %v", s.id, err)
		return
	}

	switch {
	case sig.number != 0:
		s.onRoleNumber(sig.number)
	case sig.description != nil && sig.description.Type == webrtc.SDPTypeOffer:
		s.onOffer(*sig.description)
	case sig.description != nil:
		s.onAnswer(*sig.description)
	case sig.candidate != nil:
		s.onCandidate(*sig.candidate)
	}
}

func (s *Session) sendNumber() {
	n := s.config.Rand()
	if n < 1 {
		n = 1
	}
	s.localNumber = n
	s.signals = append(s.signals, encodeNumber(n))
}

func (s *Session) onRoleNumber(remote int32) {
	if !s.elect {
		s.log.Debugf("connection %d: ignoring role number, roles are fixed", s.id)
		return
	}
	if s.negotiating {
		s.log.Debugf("connection %d: ignoring role number during an exchange", s.id)
		return
	}
	s.enterSignaling()
	if s.localNumber == 0 {
		s.sendNumber()
	}

	switch {
	case remote < s.localNumber:
		s.settleElection()
		s.log.Debugf("connection %d: elected offerer", s.id)
		s.startOffer(false)
	case remote > s.localNumber:
		s.settleElection()
		s.role = roleAnswerer
		s.log.Debugf("connection %d: elected answerer", s.id)
	default:
		s.ties++
		if s.ties > s.config.MaxRoleTies {
			s.handshakeFailed(fmt.Sprintf("role negotiation tied %d times", s.ties))
			return
		}
		s.sendNumber()
	}
}

func (s *Session) settleElection() {
	s.localNumber = 0
	s.ties = 0
}

func (s *Session) startOffer(iceRestart bool) {
	s.role = roleOfferer
	s.negotiating = true
	s.remoteReady = false

	s.prim.CreateOffer(iceRestart, func(offer webrtc.SessionDescription, err error) {
		s.post(func() {
			if err != nil {
				s.handshakeFailed(fmt.Sprintf("creating offer: %v", err))
				return
			}
			s.prim.SetLocalDescription(offer, func(err error) {
				s.post(func() {
					if err != nil {
						s.handshakeFailed(fmt.Sprintf("setting local offer: %v", err))
						return
					}
					s.sendDescription(offer)
				})
			})
		})
	})
}

func (s *Session) onOffer(offer webrtc.SessionDescription) {
	if s.role == roleOfferer && s.negotiating {
		s.log.Warnf("connection %d: ignoring offer while our own offer is pending", s.id)
		return
	}
	s.enterSignaling()
	s.settleElection()
	s.role = roleAnswerer
	s.negotiating = true
	s.remoteReady = false

	s.prim.SetRemoteDescription(offer, func(err error) {
		s.post(func() {
			if err != nil {
				s.handshakeFailed(fmt.Sprintf("setting remote offer: %v", err))
				return
			}
			s.remoteReady = true
			s.flushCandidates()
			s.prim.CreateAnswer(func(answer webrtc.SessionDescription, err error) {
				s.post(func() {
					if err != nil {
						s.handshakeFailed(fmt.Sprintf("creating answer: %v", err))
						return
					}
					s.prim.SetLocalDescription(answer, func(err error) {
						s.post(func() {
							if err != nil {
								s.handshakeFailed(fmt.Sprintf("setting local answer: %v", err))
								return
							}
							s.negotiating = false
							s.sendDescription(answer)
						})
					})
				})
			})
		})
	})
}

func (s *Session) onAnswer(answer webrtc.SessionDescription) {
	if s.role != roleOfferer || !s.negotiating {
		s.log.Warnf("connection %d: ignoring unexpected answer", s.id)
		return
	}
	s.prim.SetRemoteDescription(answer, func(err error) {
		s.post(func() {
			if err != nil {
				s.handshakeFailed(fmt.Sprintf("setting remote answer: %v", err))
				return
			}
			s.negotiating = false
			s.remoteReady = true
			s.flushCandidates()
		})
	})
}

// onCandidate buffers candidates that arrive before the remote description
// of the current exchange is applied.
func (s *Session) onCandidate(candidate webrtc.ICECandidateInit) {
	if !s.remoteReady {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		return
	}
	s.addCandidate(candidate)
}

func (s *Session) flushCandidates() {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, candidate := range pending {
		s.addCandidate(candidate)
	}
}

func (s *Session) addCandidate(candidate webrtc.ICECandidateInit) {
	if err := s.prim.AddICECandidate(candidate); err != nil {
		s.log.Warnf("connection %d: dropping candidate: %v", s.id, err)
	}
}

func (s *Session) sendDescription(desc webrtc.SessionDescription) {
	msg, err := encodeDescription(desc)
	if err != nil {
		s.handshakeFailed(err.Error())
		return
	}
	s.signals = append(s.signals, msg)
}

func (s *Session) emitCandidate(candidate webrtc.ICECandidateInit) {
	msg, err := encodeCandidate(candidate)
	if err != nil {
		s.log.Warnf("connection %d: %v", s.id, err)
		return
	}
	s.signals = append(s.signals, msg)
}

// handshakeFailed ends the session after a failed exchange. A session that
// was already up is closed instead of failed.
func (s *Session) handshakeFailed(reason string) {
	if s.state == StateConnected {
		s.closeWith(reason)
		return
	}
	s.Fail(reason)
}

// Fail moves a session that has not connected yet to StateSignalingFailed.
func (s *Session) Fail(reason string) {
	if s.state != StateCreated && s.state != StateSignaling {
		return
	}
	s.state = StateSignalingFailed
	s.reason = reason
	s.log.Infof("connection %d: signaling failed: %s", s.id, reason)
}

func (s *Session) closeWith(reason string) {
	if s.finished() {
		return
	}
	s.state = StateClosed
	s.reason = reason
	s.log.Infof("connection %d: closed: %s", s.id, reason)
}

// lost handles a connection that is gone for good.
func (s *Session) lost(reason string) {
	if s.everConnected {
		s.closeWith(reason)
		return
	}
	s.Fail(reason)
}

func (s *Session) onPrimitiveState(state webrtc.PeerConnectionState) {
	s.rtcEvents = append(s.rtcEvents, StateChanged{ConnectionID: s.id, State: state})

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.state == StateCreated || s.state == StateSignaling {
			s.state = StateConnected
			s.log.Infof("connection %d: connected", s.id)
		}
		s.everConnected = true
		s.restarts = 0
		s.restarting = false
		s.elect = !s.config.FixedRoles
	case webrtc.PeerConnectionStateFailed:
		s.onConnectivityFailed()
	case webrtc.PeerConnectionStateClosed:
		if s.restarting && s.config.IgnoreChannelCloseDuringRestart {
			s.log.Debugf("connection %d: ignoring close during ICE restart", s.id)
			return
		}
		s.lost("connection closed by remote")
	case webrtc.PeerConnectionStateDisconnected:
		s.log.Debugf("connection %d: connectivity interrupted", s.id)
	}
}

func (s *Session) onConnectivityFailed() {
	if s.config.MaxICERestarts > 0 && s.restarts < s.config.MaxICERestarts {
		switch s.role {
		case roleOfferer:
			s.restarts++
			s.restarting = true
			s.restartSince = s.now
			s.settleElection()
			s.log.Infof("connection %d: restarting ICE (%d of %d)", s.id, s.restarts, s.config.MaxICERestarts)
			s.startOffer(true)
			return
		case roleAnswerer:
			if !s.restarting {
				s.restarting = true
				s.restartSince = s.now
				s.log.Infof("connection %d: waiting for the offerer to restart ICE", s.id)
			}
			return
		}
	}
	s.lost("connection failed")
}

func (s *Session) onNegotiationNeeded() {
	if s.state != StateConnected || s.negotiating || s.restarting {
		return
	}
	switch {
	case s.elect:
		if s.localNumber == 0 {
			s.sendNumber()
		}
	case s.role == roleOfferer:
		s.startOffer(false)
	default:
		s.log.Debugf("connection %d: negotiation needed, waiting for the offerer", s.id)
	}
}

// Update applies everything the primitive reported since the last call.
// Work queued while applying is left for the next call.
func (s *Session) Update(now time.Time) {
	s.now = now

	s.inboxMu.Lock()
	items := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()

	for _, item := range items {
		if s.finished() {
			break
		}
		item()
	}

	if s.restarting && s.state == StateConnected && now.Sub(s.restartSince) > s.config.SignalingTimeout {
		if s.role == roleAnswerer {
			s.lost("offerer did not restart ICE")
		} else {
			s.lost("ICE restart did not complete")
		}
	}
}

// DequeueSignal returns the next message for the remote session.
func (s *Session) DequeueSignal() (string, bool) {
	if len(s.signals) == 0 {
		return "", false
	}
	msg := s.signals[0]
	s.signals = s.signals[1:]
	return msg, true
}

// DequeueMessage returns the next data message received from the remote side.
func (s *Session) DequeueMessage() (Message, bool) {
	if len(s.messages) == 0 {
		return Message{}, false
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, true
}

// DequeueRTCEvent returns the next primitive notification.
func (s *Session) DequeueRTCEvent() (RTCEvent, bool) {
	if len(s.rtcEvents) == 0 {
		return nil, false
	}
	ev := s.rtcEvents[0]
	s.rtcEvents = s.rtcEvents[1:]
	return ev, true
}

// Send delivers data over the reliable or unreliable channel.
func (s *Session) Send(data []byte, reliable bool) bool {
	if s.state != StateConnected {
		return false
	}
	if err := s.prim.Send(data, reliable); err != nil {
		s.log.Debugf("connection %d: send failed: %v", s.id, err)
		return false
	}
	return true
}

// BufferedAmount returns the bytes queued on a channel, or -1 when the
// session is not connected.
func (s *Session) BufferedAmount(reliable bool) int {
	if s.state != StateConnected {
		return -1
	}
	return int(s.prim.BufferedAmount(reliable))
}

// AttachLocalSource adds local media tracks to the primitive.
func (s *Session) AttachLocalSource(tracks []webrtc.TrackLocal) error {
	if s.finished() {
		return ErrSessionClosed
	}
	return s.prim.AttachLocalSource(tracks)
}

// Close releases the primitive. Safe to call more than once.
func (s *Session) Close() {
	if s.primClosed {
		return
	}
	s.primClosed = true
	if s.state != StateClosed {
		s.state = StateClosing
	}
	if err := s.prim.Close(); err != nil {
		s.log.Debugf("connection %d: closing primitive: %v", s.id, err)
	}
	if s.reason == "" {
		s.reason = "closed locally"
	}
	s.state = StateClosed
}
