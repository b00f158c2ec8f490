// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package protocol defines the reader wire protocol: the command/response
// frames sent to RFID readers and the unsolicited messages they emit.
//
// Readers speak newline-delimited JSON over a raw stream socket, or the same
// payloads over per-reader pub/sub topics. Every inbound message carries a
// type discriminator; Decode turns the raw frame into exactly one of the
// typed variants (TagRead, Status, Health, CommandResponse) so consumers
// switch on concrete types instead of inspecting maps.
package protocol

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// MessageType discriminates inbound reader messages.
type MessageType string

const (
	// MessageTypeTagRead is an unsolicited tag inventory report.
	MessageTypeTagRead MessageType = "tag_read"

	// MessageTypeStatus is an unsolicited reader status notification.
	MessageTypeStatus MessageType = "status"

	// MessageTypeHealth is an unsolicited hardware health report.
	MessageTypeHealth MessageType = "health"

	// MessageTypeCommandResponse answers a previously issued command,
	// correlated by sequence id.
	MessageTypeCommandResponse MessageType = "command_response"
)

// Well-known reader commands.
const (
	CmdGetStatus        = "get_status"
	CmdSetPower         = "set_power"
	CmdSetMode          = "set_mode"
	CmdSetFastInventory = "set_fast_inventory"
	CmdStopInventory    = "stop_inventory"
)

// ResponseStatus is the outcome field of a command response.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
	StatusWarning ResponseStatus = "warning"
)

// Command is an outbound command frame.
type Command struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	SequenceID uint64         `json:"sequenceId"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CommandResponse is the reader's answer to a Command.
type CommandResponse struct {
	Status     ResponseStatus  `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	SequenceID uint64          `json:"sequenceId"`
}

// TagRead is a single inventory read of one tag by one antenna.
// Immutable once decoded.
type TagRead struct {
	TagID     string            `json:"tagId"` // EPC payload
	ItemCode  string            `json:"itemCode,omitempty"`
	ReaderID  string            `json:"readerId"`
	Antenna   int               `json:"antenna"`
	RSSI      float64           `json:"rssi"` // dBm, higher is stronger
	Phase     *float64          `json:"phase,omitempty"`
	Frequency *float64          `json:"frequency,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Status is an unsolicited reader status notification.
type Status struct {
	ReaderID  string    `json:"readerId"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AntennaHealth reports the state of a single antenna port.
type AntennaHealth struct {
	Antenna   int    `json:"antenna"`
	Connected bool   `json:"connected"`
	State     string `json:"state,omitempty"`
}

// Health is an unsolicited hardware health report. Readers that do not
// implement a field omit it; zero values mean "not reported".
type Health struct {
	ReaderID    string          `json:"readerId"`
	Temperature float64         `json:"temperature,omitempty"` // degrees C
	Antennas    []AntennaHealth `json:"antennas,omitempty"`
	ErrorCount  int64           `json:"errorCount,omitempty"`
	UptimeSec   int64           `json:"uptimeSec,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// envelope is the minimal frame shape needed to discriminate and route.
type envelope struct {
	Type     MessageType     `json:"type"`
	ReaderID string          `json:"readerId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// ParseError reports a malformed message from a reader. The connection
// stays open; the frame is discarded.
type ParseError struct {
	ReaderID string
	Frame    []byte
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: malformed message from reader %q: %v", e.ReaderID, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Message is implemented by every decoded inbound variant.
type Message interface {
	messageType() MessageType
}

func (*TagRead) messageType() MessageType         { return MessageTypeTagRead }
func (*Status) messageType() MessageType          { return MessageTypeStatus }
func (*Health) messageType() MessageType          { return MessageTypeHealth }
func (*CommandResponse) messageType() MessageType { return MessageTypeCommandResponse }

// Decode parses a raw inbound frame into its typed variant.
// readerID is the connection's reader and is stamped onto payloads that
// omit it (stream transports do not repeat the reader id per frame).
func Decode(readerID string, frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ParseError{ReaderID: readerID, Frame: frame, Cause: err}
	}

	switch env.Type {
	case MessageTypeTagRead:
		var m TagRead
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &ParseError{ReaderID: readerID, Frame: frame, Cause: err}
		}
		if m.ReaderID == "" {
			m.ReaderID = readerID
		}
		if m.TagID == "" {
			return nil, &ParseError{ReaderID: readerID, Frame: frame, Cause: fmt.Errorf("tag_read missing tagId")}
		}
		return &m, nil

	case MessageTypeStatus:
		var m Status
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &ParseError{ReaderID: readerID, Frame: frame, Cause: err}
		}
		if m.ReaderID == "" {
			m.ReaderID = readerID
		}
		return &m, nil

	case MessageTypeHealth:
		var m Health
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &ParseError{ReaderID: readerID, Frame: frame, Cause: err}
		}
		if m.ReaderID == "" {
			m.ReaderID = readerID
		}
		return &m, nil

	case MessageTypeCommandResponse:
		var m CommandResponse
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &ParseError{ReaderID: readerID, Frame: frame, Cause: err}
		}
		return &m, nil

	default:
		return nil, &ParseError{ReaderID: readerID, Frame: frame, Cause: fmt.Errorf("unknown message type %q", env.Type)}
	}
}

// Encode wraps a typed message in its envelope for the wire.
func Encode(readerID string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return json.Marshal(envelope{Type: msg.messageType(), ReaderID: readerID, Payload: payload})
}

// WrapFrame builds an envelope frame around an already-encoded payload.
// Pub/sub transports use this: the topic identifies the message type, so
// the broker payload is the bare typed message and the envelope is
// reconstructed on receipt.
func WrapFrame(typ MessageType, readerID string, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{Type: typ, ReaderID: readerID, Payload: payload})
}

// EncodeCommand serializes an outbound command frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command: %w", err)
	}
	return b, nil
}

// DecodeCommand parses a command frame (used by the pub/sub transport's
// command topic and by reader simulators in tests).
func DecodeCommand(frame []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return Command{}, &ParseError{Frame: frame, Cause: err}
	}
	if cmd.Command == "" {
		return Command{}, &ParseError{Frame: frame, Cause: fmt.Errorf("command frame missing command")}
	}
	return cmd, nil
}
