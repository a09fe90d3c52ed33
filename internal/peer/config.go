package peer

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	// DefaultSignalingTimeout bounds how long a session may stay in
	// StateSignaling before its owner gives up on it.
	DefaultSignalingTimeout = 60 * time.Second

	// DefaultMaxRoleTies is how many consecutive equal draws role
	// negotiation tolerates before the session fails.
	DefaultMaxRoleTies = 8
)

// Config is the immutable per-session configuration.
type Config struct {
	// ICEServers are the STUN/TURN servers handed to the primitive.
	ICEServers []webrtc.ICEServer

	// MaxICERestarts is how many times the offerer restarts ICE after the
	// connection failed. Zero disables restarts.
	MaxICERestarts int

	// FixedRoles keeps the roles elected for the first handshake for every
	// later renegotiation instead of electing them again.
	FixedRoles bool

	// MaxRoleTies bounds consecutive tied draws; DefaultMaxRoleTies when zero.
	MaxRoleTies int

	// IgnoreChannelCloseDuringRestart ignores a closed signal from the
	// primitive while an ICE restart is in flight. Some primitives report
	// their channels closed for a moment when a restart succeeds. If the
	// channels stay closed the restart never reports connected and the
	// session closes once SignalingTimeout passes.
	IgnoreChannelCloseDuringRestart bool

	// SignalingTimeout is the handshake deadline, and also how long either
	// side waits for an ICE restart to complete.
	SignalingTimeout time.Duration

	// Rand draws role negotiation numbers in [1, 2^31-1]. Tests replace it.
	Rand func() int32

	LoggerFactory logging.LoggerFactory
}

// WithDefaults returns c with zero fields replaced by their defaults.
func (c Config) WithDefaults() Config {
	if c.MaxRoleTies <= 0 {
		c.MaxRoleTies = DefaultMaxRoleTies
	}
	if c.SignalingTimeout <= 0 {
		c.SignalingTimeout = DefaultSignalingTimeout
	}
	if c.Rand == nil {
		c.Rand = randomRoleNumber
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c
}

func randomRoleNumber() int32 {
	return rand.Int32N(math.MaxInt32) + 1
}
