package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

type CallStep uint8

const (
	StepRequest CallStep = iota
	StepAnswer
	StepICE
	StepRejected
	StepEnded
)

// Outbound signaling kinds.
const (
	KindCallReceived Kind = "call-received"
	KindCallAnswered Kind = "call-answered"

	KindVideoCallReceived Kind = "video-call-received"
	KindVideoCallAnswered Kind = "video-call-answered"
)

type callRoute struct {
	call CallKind
	step CallStep
}

var callRoutes = map[Kind]callRoute{
	KindCallRequest:  {CallVoice, StepRequest},
	KindCallAnswer:   {CallVoice, StepAnswer},
	KindCallICE:      {CallVoice, StepICE},
	KindCallRejected: {CallVoice, StepRejected},
	KindCallEnded:    {CallVoice, StepEnded},

	KindVideoCallRequest:  {CallVideo, StepRequest},
	KindVideoCallAnswer:   {CallVideo, StepAnswer},
	KindVideoCallICE:      {CallVideo, StepICE},
	KindVideoCallRejected: {CallVideo, StepRejected},
	KindVideoCallEnded:    {CallVideo, StepEnded},
}

// Events of one call kind never leave through the other kind's names.
var callInbound = map[CallKind][StepEnded + 1]Kind{
	CallVoice: {KindCallRequest, KindCallAnswer, KindCallICE, KindCallRejected, KindCallEnded},
	CallVideo: {KindVideoCallRequest, KindVideoCallAnswer, KindVideoCallICE, KindVideoCallRejected, KindVideoCallEnded},
}

var callOutbound = map[CallKind][StepEnded + 1]Kind{
	CallVoice: {KindCallReceived, KindCallAnswered, KindCallICE, KindCallRejected, KindCallEnded},
	CallVideo: {KindVideoCallReceived, KindVideoCallAnswered, KindVideoCallICE, KindVideoCallRejected, KindVideoCallEnded},
}

// CallSignal is one call-setup event. Call and Step come from the
// event name, the payload is relayed without interpretation.
type CallSignal struct {
	Call CallKind `json:"-"`
	Step CallStep `json:"-"`

	Target     int64           `json:"target" validate:"gt=0"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	CallerName string          `json:"callerName,omitempty" validate:"max=128"`
	Type       CallKind        `json:"type,omitempty"`
}

func (s *CallSignal) Kind() Kind {
	return callInbound[s.Call][s.Step]
}

// Outbound is the kind delivered to the other party.
func (s *CallSignal) Outbound() Kind {
	return callOutbound[s.Call][s.Step]
}

// Check enforces per-step required fields.
func (s *CallSignal) Check() error {
	if _, ok := callOutbound[s.Call]; !ok || s.Step > StepEnded {
		return errors.Join(ErrValidation, fmt.Errorf("unknown call kind %q", s.Call))
	}
	if s.Target <= 0 {
		return errors.Join(ErrValidation, errors.New("target is required"))
	}
	if s.Type != "" && s.Type != s.Call {
		return errors.Join(ErrValidation, fmt.Errorf("%s event carries %q call type", s.Call, s.Type))
	}
	switch s.Step {
	case StepRequest, StepAnswer:
		if isEmptyRaw(s.SDP) {
			return errors.Join(ErrValidation, fmt.Errorf("%s: sdp is required", s.Kind()))
		}
	case StepICE:
		if isEmptyRaw(s.Candidate) {
			return errors.Join(ErrValidation, fmt.Errorf("%s: candidate is required", s.Kind()))
		}
	}
	return nil
}

func isEmptyRaw(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", `""`, "{}":
		return true
	}
	return false
}

// CallEvent is what the other party receives.
type CallEvent struct {
	SenderID   int64           `json:"senderId"`
	Target     int64           `json:"target"`
	CallerName string          `json:"callerName,omitempty"`
	Type       CallKind        `json:"type"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}
