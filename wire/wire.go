// Package wire defines the Neosphere message envelope and its JSON codec.
package wire

import (
	"encoding/json"
	"fmt"
)

// Reserved cmd values understood by the Neosphere server.
const (
	CmdAuth          = "aiagent"
	CmdGroupResponse = "group-response"
	CmdQuery         = "query"
	CmdAnswer        = "ans"
	CmdError         = "err"
	CmdPing          = "ping"
)

// SystemID is the origin id the server uses for system-generated messages.
const SystemID = "sys"

// Reason codes carried in the text field of system error envelopes.
const (
	ReasonRevoked = "revoked"
	ReasonClose   = "close"
	ReasonBackoff = "w8"
)

// Envelope is one discrete message unit exchanged over the session
// connection. Envelopes are immutable once constructed; all fields are
// optional on the wire and unknown fields are ignored on decode.
type Envelope struct {
	Cmd      string   `json:"cmd,omitempty"`
	Code     string   `json:"code,omitempty"`
	ID       string   `json:"id,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Token    string   `json:"token,omitempty"`
	Text     string   `json:"text,omitempty"`
	DataIDs  []string `json:"data_ids,omitempty"`
	Choices  []string `json:"choices,omitempty"`
	FromID   string   `json:"from_id,omitempty"`
	ToID     string   `json:"to_id,omitempty"`
	GroupID  string   `json:"group_id,omitempty"`
	QueryID  string   `json:"query_id,omitempty"`
	IsResp   bool     `json:"is_resp,omitempty"`
	IsErr    bool     `json:"is_err,omitempty"`

	// Data carries an arbitrary structured payload for cmds that need one.
	Data any `json:"data,omitempty"`
}

// Kind classifies an inbound envelope for dispatch.
type Kind int

const (
	// KindUnrecognized is the forward-compatibility fallback: the envelope
	// decoded fine but matches no known shape. It is delivered to the
	// catch-all handler, never treated as a decode failure.
	KindUnrecognized Kind = iota
	KindAuthAck
	KindSystemError
	KindPullThePlug
	KindGroupMessage
	KindQuery
	KindQueryResponse
	KindKeepAlive
)

// String returns the kind name used in logs and handler registration.
func (k Kind) String() string {
	switch k {
	case KindAuthAck:
		return "auth-ack"
	case KindSystemError:
		return "system-error"
	case KindPullThePlug:
		return "pull-the-plug"
	case KindGroupMessage:
		return "group-message"
	case KindQuery:
		return "query"
	case KindQueryResponse:
		return "query-response"
	case KindKeepAlive:
		return "keep-alive"
	default:
		return "unrecognized"
	}
}

// Kind classifies the envelope by its field shape. The server does not tag
// most inbound traffic with a cmd, so classification follows the fields:
// a token marks the auth acknowledgement, group_id marks group traffic,
// query_id marks agent-to-agent queries and their responses.
func (e *Envelope) Kind() Kind {
	switch {
	case e.isPullThePlug():
		return KindPullThePlug
	case e.Token != "":
		return KindAuthAck
	case e.IsErr && e.FromID == SystemID:
		// System errors are never recorded as query responses; during
		// authentication they double as the auth rejection.
		return KindSystemError
	case e.GroupID != "":
		return KindGroupMessage
	case e.QueryID != "" && (e.IsResp || e.IsErr):
		return KindQueryResponse
	case e.QueryID != "":
		return KindQuery
	case e.Cmd == CmdPing:
		return KindKeepAlive
	default:
		return KindUnrecognized
	}
}

func (e *Envelope) isPullThePlug() bool {
	return e.Text == ReasonClose && e.FromID == SystemID && e.GroupID == SystemID
}

// PermanentReason reports whether a system error envelope carries a reason
// code that makes retrying pointless (revoked credential, server-ordered
// close). Retriable rejections carry any other reason.
func (e *Envelope) PermanentReason() bool {
	return e.Text == ReasonRevoked || e.Text == ReasonClose
}

// EncodeError reports an envelope that could not be serialized.
type EncodeError struct {
	Reason string
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encode envelope: %s: %v", e.Reason, e.Err)
	}
	return "encode envelope: " + e.Reason
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports bytes that could not be parsed into an envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes the envelope for the wire. Outbound envelopes must carry
// a cmd tag; a payload that json cannot marshal fails with *EncodeError.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, &EncodeError{Reason: "nil envelope"}
	}
	if e.Cmd == "" {
		return nil, &EncodeError{Reason: "missing cmd tag"}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &EncodeError{Reason: "marshal", Err: err}
	}
	return data, nil
}

// Decode parses one wire frame into an envelope. Unknown optional fields are
// ignored for forward compatibility; an envelope with no routable fields at
// all is structurally invalid and fails with *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if e.Cmd == "" && e.Token == "" && e.Text == "" && e.FromID == "" &&
		e.GroupID == "" && e.QueryID == "" && !e.IsErr && !e.IsResp {
		return nil, &DecodeError{Reason: "empty envelope"}
	}
	return &e, nil
}
