// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reply

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bureau-foundation/mailbox/mailbox"
)

// Status is the top-level outcome of a request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Fixed reasons and results shared by every replica.
const (
	ResultOK       = "ok"
	ReasonEmpty    = "empty"
	ReasonInternal = "internal error"
)

// Encoding tags for payloads that are not embedded as raw JSON. A
// message without a tag carries its payload verbatim as JSON.
const (
	// EncodingText marks a UTF-8 payload that was not valid JSON and
	// is carried as a JSON string.
	EncodingText = "text"

	// EncodingBase64 marks a payload that was not valid UTF-8.
	EncodingBase64 = "base64"
)

// Envelope is the decoded form of a reply.
type Envelope struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Message is the result of a successful consume or peek.
type Message struct {
	Message   json.RawMessage `json:"message"`
	Timestamp uint64          `json:"timestamp"`
	ID        string          `json:"id"`
	Encoding  string          `json:"encoding,omitempty"`
}

// Encode builds an envelope. For StatusSuccess, value is marshaled as
// the result. For StatusError, value must be a string or an error and
// becomes the reason.
func Encode(status Status, value any) ([]byte, error) {
	switch status {
	case StatusSuccess:
		result, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding result: %w", err)
		}
		return json.Marshal(Envelope{Status: StatusSuccess, Result: result})
	case StatusError:
		var reason string
		switch v := value.(type) {
		case string:
			reason = v
		case error:
			reason = v.Error()
		default:
			return nil, fmt.Errorf("error reason must be a string or error, got %T", value)
		}
		if reason == "" {
			return nil, errors.New("error reason is empty")
		}
		return json.Marshal(Envelope{Status: StatusError, Reason: reason})
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}
}

// Success encodes a state machine reply. An empty mailbox becomes an
// error envelope with ReasonEmpty.
func Success(r mailbox.Reply) ([]byte, error) {
	switch r.Kind {
	case mailbox.KindAck:
		return Encode(StatusSuccess, ResultOK)
	case mailbox.KindMessage:
		return Encode(StatusSuccess, NewMessage(r.Message))
	case mailbox.KindEmpty:
		return Failure(ReasonEmpty), nil
	case mailbox.KindCount, mailbox.KindEvicted:
		return Encode(StatusSuccess, r.Count)
	default:
		return nil, fmt.Errorf("cannot encode reply of kind %v", r.Kind)
	}
}

// Failure encodes an error envelope. An empty reason is replaced by
// ReasonInternal.
func Failure(reason string) []byte {
	if reason == "" {
		reason = ReasonInternal
	}
	data, err := json.Marshal(Envelope{Status: StatusError, Reason: reason})
	if err != nil {
		// A struct of two strings always marshals.
		panic(fmt.Sprintf("reply: encoding failure envelope: %v", err))
	}
	return data
}

// Decode parses an envelope and checks that it has one of the two
// valid shapes.
func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decoding reply: %w", err)
	}
	switch envelope.Status {
	case StatusSuccess:
		if len(envelope.Result) == 0 {
			return Envelope{}, errors.New("decoding reply: success without result")
		}
	case StatusError:
		if envelope.Reason == "" {
			return Envelope{}, errors.New("decoding reply: error without reason")
		}
	default:
		return Envelope{}, fmt.Errorf("decoding reply: unknown status %q", envelope.Status)
	}
	return envelope, nil
}

// NewMessage renders a stored message for the wire. Payloads that are
// valid JSON are embedded as-is and untagged. Other UTF-8 becomes a
// JSON string tagged "text"; anything else is base64 tagged "base64".
// The tag keeps `hello` and `"hello"` distinguishable.
func NewMessage(m mailbox.Message) Message {
	result := Message{Timestamp: m.Timestamp, ID: m.ID}
	switch {
	case len(m.Payload) > 0 && json.Valid(m.Payload):
		result.Message = json.RawMessage(m.Payload)
	case utf8.Valid(m.Payload):
		result.Message = mustMarshal(string(m.Payload))
		result.Encoding = EncodingText
	default:
		result.Message = mustMarshal(base64.StdEncoding.EncodeToString(m.Payload))
		result.Encoding = EncodingBase64
	}
	return result
}

func mustMarshal(s string) json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reply: encoding string: %v", err))
	}
	return data
}
