package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ErrMalformedSignal is returned for signaling messages that are neither a
// role number, a session description nor an ICE candidate.
var ErrMalformedSignal = errors.New("peer: malformed signaling message")

// signal is the decoded form of one signaling message. Exactly one of its
// fields is set.
type signal struct {
	number      int32
	description *webrtc.SessionDescription
	candidate   *webrtc.ICECandidateInit
}

// signalJSON covers both JSON shapes: {type, sdp} and the ICE candidate init.
type signalJSON struct {
	Type             string  `json:"type,omitempty"`
	SDP              string  `json:"sdp,omitempty"`
	Candidate        *string `json:"candidate,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func encodeNumber(n int32) string {
	return strconv.FormatInt(int64(n), 10)
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	data, err := json.Marshal(signalJSON{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", desc.Type, err)
	}
	return string(data), nil
}

func encodeCandidate(candidate webrtc.ICECandidateInit) (string, error) {
	data, err := json.Marshal(candidate)
	if err != nil {
		return "", fmt.Errorf("encoding candidate: %w", err)
	}
	return string(data), nil
}

func parseSignal(msg string) (signal, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return signal{}, ErrMalformedSignal
	}

	if msg[0] != '{' {
		n, err := strconv.ParseInt(msg, 10, 32)
		if err != nil || n < 1 {
			return signal{}, fmt.Errorf("%w: bad role number %q", ErrMalformedSignal, msg)
		}
		return signal{number: int32(n)}, nil
	}

	var raw signalJSON
	if err := json.Unmarshal([]byte(msg), &raw); err != nil {
		return signal{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	switch {
	case raw.Candidate != nil:
		return signal{candidate: &webrtc.ICECandidateInit{
			Candidate:        *raw.Candidate,
			SDPMid:           raw.SDPMid,
			SDPMLineIndex:    raw.SDPMLineIndex,
			UsernameFragment: raw.UsernameFragment,
		}}, nil
	case raw.Type != "":
		sdpType := webrtc.NewSDPType(raw.Type)
		if sdpType != webrtc.SDPTypeOffer && sdpType != webrtc.SDPTypeAnswer {
			return signal{}, fmt.Errorf("%w: unsupported description type %q", ErrMalformedSignal, raw.Type)
		}
		if raw.SDP == "" {
			return signal{}, fmt.Errorf("%w: empty %s", ErrMalformedSignal, raw.Type)
		}
		return signal{description: &webrtc.SessionDescription{Type: sdpType, SDP: raw.SDP}}, nil
	default:
		return signal{}, fmt.Errorf("%w: unknown document", ErrMalformedSignal)
	}
}
