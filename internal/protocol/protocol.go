/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package protocol defines the wire schema spoken over device sockets.
//
// Every frame is a JSON envelope carrying a message kind and a kind-specific
// payload. Payloads are decoded and validated at the transport boundary so
// core logic never sees untyped maps.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind tags an envelope with its message type.
type Kind string

// Inbound message kinds (device → supernode).
const (
	KindRegister          Kind = "device:register"
	KindHeartbeat         Kind = "device:heartbeat"
	KindControlCommand    Kind = "control:command"
	KindControlAck        Kind = "control:ack"
	KindBroadcastMessage  Kind = "broadcast:message"
	KindEmergency         Kind = "emergency:broadcast"
	KindEmergencyStop     Kind = "emergency:stop"
	KindVideoPlay         Kind = "video:play"
	KindVideoStop         Kind = "video:stop"
	KindVideoPause        Kind = "video:pause"
	KindVideoResume       Kind = "video:resume"
	KindVideoStateChanged Kind = "video:state-changed"
	KindAnnounceStart     Kind = "announcement:start"
	KindAnnounceEnd       Kind = "announcement:end"
	KindAnnounceReady     Kind = "announcement:ready"
	KindWebRTCOffer       Kind = "webrtc:offer"
	KindWebRTCAnswer      Kind = "webrtc:answer"
	KindWebRTCCandidate   Kind = "webrtc:ice-candidate"
	KindAIQuery           Kind = "ai:query"
	KindAILocalResponse   Kind = "ai:local-response"
	KindAttendanceEntry   Kind = "attendance:entry"
	KindPresenceUpdate    Kind = "presence:update"
	KindCameraFrame       Kind = "camera:frame"
	KindDisplayFrame      Kind = "display:frame"
	KindDevicesList       Kind = "devices:list"
)

// Outbound message kinds (supernode → device).
const (
	KindRegistered     Kind = "device:registered"
	KindDeviceStatus   Kind = "device:status"
	KindHeartbeatAck   Kind = "heartbeat:ack"
	KindEmergencyAlert Kind = "emergency:alert"
	KindAIResponse     Kind = "ai:response"
	KindAttendanceAck  Kind = "attendance:recorded"
	KindDeliveryReport Kind = "delivery:report"
	KindError          Kind = "error"
)

// Role classifies a device at registration and never changes afterwards.
type Role string

const (
	RoleClassroom Role = "classroom"
	RoleGate      Role = "gate"
	RoleDashboard Role = "dashboard"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClassroom, RoleGate, RoleDashboard:
		return true
	}
	return false
}

// ErrorCode classifies error replies.
type ErrorCode string

const (
	ErrUnauthorized    ErrorCode = "unauthorized"
	ErrNotFound        ErrorCode = "not_found"
	ErrValidation      ErrorCode = "validation_error"
	ErrProviderFailure ErrorCode = "provider_failure"
)

// Message is the envelope for every frame.
type Message struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw frame into an envelope.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if msg.Type == "" {
		return Message{}, &MissingFieldError{Field: "type"}
	}
	return msg, nil
}

// New builds an envelope from a kind and payload value.
func New(kind Kind, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Message{Type: kind, Data: data}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(kind Kind, payload any) Message {
	msg, err := New(kind, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// UnmarshalData decodes an envelope's payload into v.
func UnmarshalData(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s: empty payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}

// MissingFieldError reports a required field absent from a payload.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// Register declares a device's identity, role, and capabilities.
type Register struct {
	DeviceID     string   `json:"deviceId"`
	Role         Role     `json:"role"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (p *Register) Validate() error {
	if p.DeviceID == "" {
		return &MissingFieldError{Field: "deviceId"}
	}
	if p.Role == "" {
		return &MissingFieldError{Field: "role"}
	}
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

// RegisterAck confirms registration and tells the device how often to
// heartbeat.
type RegisterAck struct {
	Success             bool      `json:"success"`
	DeviceID            string    `json:"deviceId"`
	HeartbeatIntervalMS int64     `json:"heartbeatIntervalMs"`
	ServerTime          time.Time `json:"serverTime"`
}

// Heartbeat refreshes liveness; metrics replace the previous snapshot
// wholesale.
type Heartbeat struct {
	Status  string         `json:"status,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// HeartbeatAck is sent to dashboard observers, not back to the device fleet.
type HeartbeatAck struct {
	DeviceID string    `json:"deviceId"`
	Status   string    `json:"status"`
	SeenAt   time.Time `json:"seenAt"`
}

// ControlCommand targets a single device with an action.
type ControlCommand struct {
	TargetDeviceID string         `json:"targetDeviceId"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	CommandID      string         `json:"commandId,omitempty"`
}

func (p *ControlCommand) Validate() error {
	if p.TargetDeviceID == "" {
		return &MissingFieldError{Field: "targetDeviceId"}
	}
	if p.Action == "" {
		return &MissingFieldError{Field: "action"}
	}
	return nil
}

// ControlAck flows device → dashboards and is relayed without inspection.
type ControlAck struct {
	CommandID string         `json:"commandId"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// BroadcastMessage is display content pushed to every classroom. From and
// SentAt are filled in by the server on the way out.
type BroadcastMessage struct {
	Content         string    `json:"content"`
	ContentType     string    `json:"type,omitempty"`
	Priority        string    `json:"priority,omitempty"`
	DisplayDuration int       `json:"displayDuration,omitempty"`
	From            string    `json:"from,omitempty"`
	SentAt          time.Time `json:"sentAt,omitzero"`
}

func (p *BroadcastMessage) Validate() error {
	if p.Content == "" {
		return &MissingFieldError{Field: "content"}
	}
	return nil
}

// Emergency is delivered to explicit targets, or every classroom when no
// targets are given, always at critical priority.
type Emergency struct {
	Message         string   `json:"message"`
	TargetDeviceIDs []string `json:"targetDeviceIds,omitempty"`
}

func (p *Emergency) Validate() error {
	if p.Message == "" {
		return &MissingFieldError{Field: "message"}
	}
	return nil
}

// EmergencyAlert is the device-facing emergency payload.
type EmergencyAlert struct {
	Message  string    `json:"message"`
	Priority string    `json:"priority"`
	From     string    `json:"from,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

// EmergencyStop cancels an active alert on explicit targets, or every
// classroom when no targets are given. A bare frame is valid.
type EmergencyStop struct {
	TargetDeviceIDs []string `json:"targetDeviceIds,omitempty"`
}

// EmergencyCleared is the device-facing cancellation payload.
type EmergencyCleared struct {
	From   string    `json:"from,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// VideoPlay commands playback on classroom targets.
type VideoPlay struct {
	TargetDeviceIDs []string `json:"targetDeviceIds"`
	URL             string   `json:"url"`
	AutoPlay        bool     `json:"autoPlay,omitempty"`
	Volume          *float64 `json:"volume,omitempty"`
}

func (p *VideoPlay) Validate() error {
	if len(p.TargetDeviceIDs) == 0 {
		return &MissingFieldError{Field: "targetDeviceIds"}
	}
	if p.URL == "" {
		return &MissingFieldError{Field: "url"}
	}
	return nil
}

// VideoStop halts playback without forgetting what was playing.
type VideoStop struct {
	TargetDeviceIDs []string `json:"targetDeviceIds"`
}

func (p *VideoStop) Validate() error {
	if len(p.TargetDeviceIDs) == 0 {
		return &MissingFieldError{Field: "targetDeviceIds"}
	}
	return nil
}

// VideoPause suspends playback on one device, or every classroom when no
// target is given.
type VideoPause struct {
	Reason         string `json:"reason,omitempty"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
}

// VideoResume mirrors VideoPause.
type VideoResume struct {
	Reason         string `json:"reason,omitempty"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
}

// VideoStateChanged is a device's authoritative self-report of player state.
type VideoStateChanged struct {
	State       string  `json:"state"`
	URL         string  `json:"url,omitempty"`
	CurrentTime float64 `json:"currentTime,omitempty"`
}

func (p *VideoStateChanged) Validate() error {
	if p.State == "" {
		return &MissingFieldError{Field: "state"}
	}
	return nil
}

// AnnounceStart opens a live announcement session toward classroom targets.
type AnnounceStart struct {
	TargetDeviceIDs []string `json:"targetDeviceIds"`
	AnnounceType    string   `json:"type,omitempty"`
}

func (p *AnnounceStart) Validate() error {
	if len(p.TargetDeviceIDs) == 0 {
		return &MissingFieldError{Field: "targetDeviceIds"}
	}
	return nil
}

// AnnounceBegin instructs a target device to suspend video and prepare the
// peer media handshake.
type AnnounceBegin struct {
	SessionID    string `json:"sessionId"`
	From         string `json:"from"`
	AnnounceType string `json:"type,omitempty"`
}

// AnnounceEnd closes an announcement session on its targets.
type AnnounceEnd struct {
	SessionID       string   `json:"sessionId"`
	TargetDeviceIDs []string `json:"targetDeviceIds"`
}

func (p *AnnounceEnd) Validate() error {
	if p.SessionID == "" {
		return &MissingFieldError{Field: "sessionId"}
	}
	return nil
}

// AnnounceFinish tells a target device whether, and what, to resume.
type AnnounceFinish struct {
	SessionID string `json:"sessionId"`
	Resume    bool   `json:"resume"`
	URL       string `json:"url,omitempty"`
}

// AnnounceReady signals that a target device is ready for the handshake. It
// is relayed only to the initiating dashboard.
type AnnounceReady struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId,omitempty"`
}

func (p *AnnounceReady) Validate() error {
	if p.SessionID == "" {
		return &MissingFieldError{Field: "sessionId"}
	}
	return nil
}

// WebRTCSignal relays an SDP offer or answer between peers. The server
// rewrites From to the sender's device id and never touches the SDP.
type WebRTCSignal struct {
	To   string                    `json:"to"`
	From string                    `json:"from,omitempty"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

func (p *WebRTCSignal) Validate() error {
	if p.To == "" {
		return &MissingFieldError{Field: "to"}
	}
	if p.SDP.SDP == "" {
		return &MissingFieldError{Field: "sdp"}
	}
	return nil
}

// WebRTCCandidate relays an ICE candidate between peers.
type WebRTCCandidate struct {
	To        string                  `json:"to"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (p *WebRTCCandidate) Validate() error {
	if p.To == "" {
		return &MissingFieldError{Field: "to"}
	}
	if p.Candidate.Candidate == "" {
		return &MissingFieldError{Field: "candidate"}
	}
	return nil
}

// AIQuery asks the answer-generation collaborator a question.
type AIQuery struct {
	QueryID string         `json:"queryId,omitempty"`
	Text    string         `json:"text"`
	Speaker string         `json:"speaker,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (p *AIQuery) Validate() error {
	if p.Text == "" {
		return &MissingFieldError{Field: "text"}
	}
	return nil
}

// AIResponse carries a generated answer with its source tag.
type AIResponse struct {
	QueryID   string `json:"queryId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Question  string `json:"question,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Response  string `json:"response"`
	Source    string `json:"source"`
	Error     bool   `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
}

// AILocalResponse is emitted by a classroom that ran inference locally; the
// supernode only fans it out.
type AILocalResponse struct {
	Response  string `json:"response"`
	Source    string `json:"source"`
	Question  string `json:"question,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
}

func (p *AILocalResponse) Validate() error {
	if p.Response == "" {
		return &MissingFieldError{Field: "response"}
	}
	return nil
}

// AttendanceEntry reports a recognized face at a gate or classroom camera.
type AttendanceEntry struct {
	StudentName   string    `json:"studentName"`
	Confidence    float64   `json:"confidence,omitempty"`
	Roll          string    `json:"roll,omitempty"`
	ImageSnapshot string    `json:"imageSnapshot,omitempty"` // base64 JPEG
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

func (p *AttendanceEntry) Validate() error {
	if p.StudentName == "" {
		return &MissingFieldError{Field: "studentName"}
	}
	return nil
}

// MonitorFrame is one JPEG frame from a camera or display capture, relayed
// to dashboards for live view. DeviceID is stamped by the server. Senders
// throttle client-side; the relay enforces its own per-device rate on top.
type MonitorFrame struct {
	DeviceID  string    `json:"deviceId,omitempty"`
	Frame     string    `json:"frame"` // base64 JPEG
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (p *MonitorFrame) Validate() error {
	if p.Frame == "" {
		return &MissingFieldError{Field: "frame"}
	}
	return nil
}

// PresenceUpdate reports who is currently in frame.
type PresenceUpdate struct {
	Faces     []string  `json:"faces"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// DeviceStatus notifies observers of a liveness transition.
type DeviceStatus struct {
	DeviceID string    `json:"deviceId"`
	Role     Role      `json:"role"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// DeliveryReport tells a command's sender how many of its targets were
// actually reached. Partial success is expected with mixed fleets, so the
// report carries counts rather than a failure list.
type DeliveryReport struct {
	Command       Kind   `json:"command"`
	Requested     int    `json:"requested"`
	Delivered     int    `json:"delivered"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ErrorReply is a typed failure carrying the originating correlation id when
// one exists.
type ErrorReply struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Field         string    `json:"field,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}
