package voice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/zerodha/trade-stream/wire"
)

// Inbound event types.
const (
	TypeReady             = "ready"
	TypePartialTranscript = "partial_transcript"
	TypeFinalTranscript   = "final_transcript"
	TypeAgentThinking     = "agent_thinking"
	TypeAgentText         = "agent_text"
	TypeAgentSpeaking     = "agent_speaking"
	TypeAgentAudio        = "agent_audio"
	TypeError             = "error"

	// TypeState is emitted locally on session state transitions; the
	// server never sends it.
	TypeState = "state"
)

// Outbound message types.
const (
	TypeStart      = "start"
	TypeAudioChunk = "audio_chunk"
	TypeAudioEnd   = "audio_end"
	TypeStop       = "stop"
)

// Event is one inbound session event.
type Event interface {
	Type() string
}

type ReadyEvent struct{}

type PartialTranscriptEvent struct {
	Text string
}

type FinalTranscriptEvent struct {
	Text string
}

type AgentThinkingEvent struct {
	Thinking bool
}

type AgentTextEvent struct {
	Text string
}

// AgentSpeakingEvent with Speaking set is the barge-in signal.
type AgentSpeakingEvent struct {
	Speaking bool
}

// AgentAudioEvent carries one decoded mp3 segment.
type AgentAudioEvent struct {
	Audio []byte
}

// ErrorEvent is a server-reported error, or a local transport failure
// when Err is set.
type ErrorEvent struct {
	Message string
	Err     error
}

// StateEvent reports a session state transition.
type StateEvent struct {
	State State
}

func (ReadyEvent) Type() string             { return TypeReady }
func (PartialTranscriptEvent) Type() string { return TypePartialTranscript }
func (FinalTranscriptEvent) Type() string   { return TypeFinalTranscript }
func (AgentThinkingEvent) Type() string     { return TypeAgentThinking }
func (AgentTextEvent) Type() string         { return TypeAgentText }
func (AgentSpeakingEvent) Type() string     { return TypeAgentSpeaking }
func (AgentAudioEvent) Type() string        { return TypeAgentAudio }
func (ErrorEvent) Type() string             { return TypeError }
func (StateEvent) Type() string             { return TypeState }

type inbound struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Message    string `json:"message"`
	Audio      string `json:"audio"`
	IsThinking *bool  `json:"is_thinking"`
	IsSpeaking *bool  `json:"is_speaking"`
}

// DecodeEvent parses one inbound frame. Malformed frames, unknown types and
// undecodable audio return a *wire.ProtocolError.
func DecodeEvent(frame []byte) (Event, error) {
	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, &wire.ProtocolError{Err: fmt.Errorf("decode frame: %w", err)}
	}

	switch in.Type {
	case TypeReady:
		return ReadyEvent{}, nil
	case TypePartialTranscript:
		return PartialTranscriptEvent{Text: in.Text}, nil
	case TypeFinalTranscript:
		return FinalTranscriptEvent{Text: in.Text}, nil
	case TypeAgentText:
		return AgentTextEvent{Text: in.Text}, nil
	case TypeAgentThinking:
		if in.IsThinking == nil {
			return nil, &wire.ProtocolError{Type: in.Type, Err: fmt.Errorf("missing is_thinking")}
		}
		return AgentThinkingEvent{Thinking: *in.IsThinking}, nil
	case TypeAgentSpeaking:
		if in.IsSpeaking == nil {
			return nil, &wire.ProtocolError{Type: in.Type, Err: fmt.Errorf("missing is_speaking")}
		}
		return AgentSpeakingEvent{Speaking: *in.IsSpeaking}, nil
	case TypeAgentAudio:
		audio, err := base64.StdEncoding.DecodeString(in.Audio)
		if err != nil {
			return nil, &wire.ProtocolError{Type: in.Type, Err: fmt.Errorf("decode audio: %w", err)}
		}
		if len(audio) == 0 {
			return nil, &wire.ProtocolError{Type: in.Type, Err: fmt.Errorf("empty audio")}
		}
		return AgentAudioEvent{Audio: audio}, nil
	case TypeError:
		return ErrorEvent{Message: in.Message}, nil
	case "":
		return nil, &wire.ProtocolError{Err: fmt.Errorf("missing type")}
	default:
		return nil, &wire.ProtocolError{Type: in.Type, Err: fmt.Errorf("unknown message type")}
	}
}

// StartMessage opens a session for a conversation thread.
type StartMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// AudioChunkMessage carries one base64 PCM16LE mono 16 kHz frame.
type AudioChunkMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// AudioEndMessage marks the end of an utterance.
type AudioEndMessage struct {
	Type string `json:"type"`
}

// StopMessage ends the session.
type StopMessage struct {
	Type string `json:"type"`
}

func newStart(threadID string) StartMessage {
	return StartMessage{Type: TypeStart, ThreadID: threadID}
}

func newAudioChunk(f Frame) AudioChunkMessage {
	return AudioChunkMessage{Type: TypeAudioChunk, Audio: f.Base64()}
}

func newAudioEnd() AudioEndMessage { return AudioEndMessage{Type: TypeAudioEnd} }

func newStop() StopMessage { return StopMessage{Type: TypeStop} }
