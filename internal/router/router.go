/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package router dispatches decoded socket frames to the registry, session
// store, and relay services, enforcing the dashboard-only command rule.
package router

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/events"
	"github.com/campusgrid/supernode/internal/protocol"
	"github.com/campusgrid/supernode/internal/registry"
	"github.com/campusgrid/supernode/internal/session"
	"github.com/campusgrid/supernode/internal/telemetry"
	"github.com/campusgrid/supernode/internal/transport"
)

// Answerer produces an answer for a spoken question. Implementations never
// return an error: provider failures degrade to an apology payload.
type Answerer interface {
	Answer(ctx context.Context, q protocol.AIQuery) protocol.AIResponse
}

// AttendanceRecorder persists a recognized entry. recorded is false when the
// entry was suppressed as a duplicate inside the cooldown window.
type AttendanceRecorder interface {
	Record(ctx context.Context, deviceID string, e protocol.AttendanceEntry) (recorded bool, err error)
}

// frameMinInterval caps the monitor-frame relay rate per device and stream.
// Frames above the rate are dropped, not queued; live view wants the newest
// frame, never a backlog.
const frameMinInterval = 200 * time.Millisecond

// Router routes every inbound frame. One router serves all connections; all
// shared state lives behind the registry's and store's own locks, except the
// frame throttle which is the router's own.
type Router struct {
	hub      *transport.Hub
	registry *registry.Registry
	sessions *session.Store
	ai       Answerer
	records  AttendanceRecorder
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time

	frameMu   sync.Mutex
	lastFrame map[string]time.Time
}

// New creates a router. ai and records may be nil when the corresponding
// subsystem is disabled; frames for them then get a typed error reply.
func New(
	hub *transport.Hub,
	reg *registry.Registry,
	sessions *session.Store,
	ai Answerer,
	records AttendanceRecorder,
	bus *events.Bus,
	logger zerolog.Logger,
) *Router {
	return &Router{
		hub:       hub,
		registry:  reg,
		sessions:  sessions,
		ai:        ai,
		records:   records,
		bus:       bus,
		logger:    logger.With().Str("component", "router").Logger(),
		now:       time.Now,
		lastFrame: make(map[string]time.Time),
	}
}

// HandleMessage processes one inbound frame from the given connection.
// Every frame produces either a delivery or a typed error reply; nothing is
// silently dropped except acks for which silence is the contract.
func (r *Router) HandleMessage(ctx context.Context, connID, ip string, msg protocol.Message) {
	outcome := "ok"
	defer func() {
		telemetry.MessagesTotal.WithLabelValues(string(msg.Type), outcome).Inc()
	}()

	switch msg.Type {
	case protocol.KindRegister:
		outcome = r.handleRegister(connID, ip, msg)
	case protocol.KindHeartbeat:
		outcome = r.handleHeartbeat(connID, msg)
	case protocol.KindControlCommand:
		outcome = r.handleControl(connID, msg)
	case protocol.KindControlAck:
		outcome = r.handleControlAck(msg)
	case protocol.KindBroadcastMessage:
		outcome = r.handleBroadcast(connID, msg)
	case protocol.KindEmergency:
		outcome = r.handleEmergency(connID, msg)
	case protocol.KindEmergencyStop:
		outcome = r.handleEmergencyStop(connID, msg)
	case protocol.KindVideoPlay:
		outcome = r.handleVideoPlay(connID, msg)
	case protocol.KindVideoStop:
		outcome = r.handleVideoStop(connID, msg)
	case protocol.KindVideoPause:
		outcome = r.handlePauseResume(connID, msg, protocol.KindVideoPause)
	case protocol.KindVideoResume:
		outcome = r.handlePauseResume(connID, msg, protocol.KindVideoResume)
	case protocol.KindVideoStateChanged:
		outcome = r.handleVideoStateChanged(connID, msg)
	case protocol.KindAnnounceStart:
		outcome = r.handleAnnounceStart(connID, msg)
	case protocol.KindAnnounceEnd:
		outcome = r.handleAnnounceEnd(connID, msg)
	case protocol.KindAnnounceReady:
		outcome = r.handleAnnounceReady(connID, msg)
	case protocol.KindWebRTCOffer, protocol.KindWebRTCAnswer:
		outcome = r.handleWebRTCSignal(connID, msg)
	case protocol.KindWebRTCCandidate:
		outcome = r.handleWebRTCCandidate(connID, msg)
	case protocol.KindAIQuery:
		outcome = r.handleAIQuery(ctx, connID, msg)
	case protocol.KindAILocalResponse:
		outcome = r.handleAILocalResponse(connID, msg)
	case protocol.KindAttendanceEntry:
		outcome = r.handleAttendance(ctx, connID, msg)
	case protocol.KindPresenceUpdate:
		outcome = r.handlePresence(connID, msg)
	case protocol.KindCameraFrame, protocol.KindDisplayFrame:
		outcome = r.handleMonitorFrame(connID, msg)
	case protocol.KindDevicesList:
		outcome = r.handleDevicesList(connID)
	default:
		r.sendError(connID, protocol.ErrValidation, "unknown message type", "type", "")
		outcome = "invalid"
	}
}

// Disconnect is invoked by the transport when a socket closes.
func (r *Router) Disconnect(connID string) {
	r.registry.Disconnect(connID)

	r.frameMu.Lock()
	delete(r.lastFrame, frameKey(connID, protocol.KindCameraFrame))
	delete(r.lastFrame, frameKey(connID, protocol.KindDisplayFrame))
	r.frameMu.Unlock()
}

func (r *Router) sendError(connID string, code protocol.ErrorCode, message, field, corrID string) {
	r.hub.Unicast(connID, protocol.MustNew(protocol.KindError, protocol.ErrorReply{
		Code:          code,
		Message:       message,
		Field:         field,
		CorrelationID: corrID,
	}))
}

// decode unmarshals and validates a payload, replying with a typed
// validation error on failure.
func (r *Router) decode(connID string, msg protocol.Message, p interface{ Validate() error }) bool {
	if err := protocol.UnmarshalData(msg, p); err != nil {
		r.sendError(connID, protocol.ErrValidation, err.Error(), "", "")
		return false
	}
	if err := p.Validate(); err != nil {
		field := ""
		if mf, ok := err.(*protocol.MissingFieldError); ok {
			field = mf.Field
		}
		r.sendError(connID, protocol.ErrValidation, err.Error(), field, "")
		return false
	}
	return true
}

// authorize resolves the sender and enforces the dashboard-only command
// rule. Failures are answered with an unauthorized reply, never dropped.
func (r *Router) authorize(connID string) (registry.Device, bool) {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return registry.Device{}, false
	}
	if sender.Role != protocol.RoleDashboard {
		r.sendError(connID, protocol.ErrUnauthorized, "command requires dashboard role", "", "")
		return registry.Device{}, false
	}
	return sender, true
}

// correlation returns the caller's id, or mints one from the clock so
// replies can always be matched to their request.
func (r *Router) correlation(given string) string {
	if given != "" {
		return given
	}
	return strconv.FormatInt(r.now().UnixNano(), 10)
}

func (r *Router) handleRegister(connID, ip string, msg protocol.Message) string {
	var p protocol.Register
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	ack := r.registry.Register(connID, ip, p)
	r.hub.Unicast(connID, protocol.MustNew(protocol.KindRegistered, ack))
	return "ok"
}

func (r *Router) handleHeartbeat(connID string, msg protocol.Message) string {
	var p protocol.Heartbeat
	// Heartbeats have no required fields; a bare frame is a valid ping.
	if len(msg.Data) > 0 {
		if err := protocol.UnmarshalData(msg, &p); err != nil {
			r.sendError(connID, protocol.ErrValidation, err.Error(), "", "")
			return "invalid"
		}
	}
	if !r.registry.Heartbeat(connID, p) {
		// Unknown connection: the contract is a silent no-op.
		return "unregistered"
	}
	return "ok"
}

func (r *Router) handleControl(connID string, msg protocol.Message) string {
	sender, ok := r.authorize(connID)
	if !ok {
		return "unauthorized"
	}
	var p protocol.ControlCommand
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	p.CommandID = r.correlation(p.CommandID)

	target, ok := r.registry.Lookup(p.TargetDeviceID)
	if !ok {
		r.sendError(connID, protocol.ErrNotFound, "target device not registered", "targetDeviceId", p.CommandID)
		return "not_found"
	}

	r.hub.ToGroup(transport.DeviceGroup(target.DeviceID), protocol.MustNew(protocol.KindControlCommand, p))
	r.logger.Debug().
		Str("from", sender.DeviceID).
		Str("target", target.DeviceID).
		Str("action", p.Action).
		Str("command_id", p.CommandID).
		Msg("control command routed")
	return "ok"
}

// handleControlAck relays the envelope verbatim to every dashboard. The
// dashboards own ack semantics; the decode feeds only the log line and never
// gates the relay.
func (r *Router) handleControlAck(msg protocol.Message) string {
	var p protocol.ControlAck
	if len(msg.Data) > 0 {
		if err := protocol.UnmarshalData(msg, &p); err == nil && p.CommandID != "" {
			r.logger.Debug().
				Str("command_id", p.CommandID).
				Bool("success", p.Success).
				Msg("control ack relayed")
		}
	}
	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), msg)
	return "ok"
}

func (r *Router) handleBroadcast(connID string, msg protocol.Message) string {
	sender, ok := r.authorize(connID)
	if !ok {
		return "unauthorized"
	}
	var p protocol.BroadcastMessage
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	p.From = sender.DeviceID
	p.SentAt = r.now()
	n := r.hub.ToGroup(transport.RoleGroup(protocol.RoleClassroom), protocol.MustNew(protocol.KindBroadcastMessage, p))
	r.report(connID, protocol.KindBroadcastMessage, n, n, "")
	return "ok"
}

func (r *Router) handleEmergency(connID string, msg protocol.Message) string {
	sender, ok := r.authorize(connID)
	if !ok {
		return "unauthorized"
	}
	var p protocol.Emergency
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	alert := protocol.MustNew(protocol.KindEmergencyAlert, protocol.EmergencyAlert{
		Message:  p.Message,
		Priority: "critical",
		From:     sender.DeviceID,
		SentAt:   r.now(),
	})

	delivered := 0
	if len(p.TargetDeviceIDs) == 0 {
		// No explicit targets: every classroom gets it.
		delivered = r.hub.ToGroup(transport.RoleGroup(protocol.RoleClassroom), alert)
		r.report(connID, protocol.KindEmergency, r.hub.GroupSize(transport.RoleGroup(protocol.RoleClassroom)), delivered, "")
	} else {
		for _, id := range p.TargetDeviceIDs {
			if _, ok := r.registry.Lookup(id); !ok {
				continue
			}
			r.hub.ToGroup(transport.DeviceGroup(id), alert)
			delivered++
		}
		r.report(connID, protocol.KindEmergency, len(p.TargetDeviceIDs), delivered, "")
	}

	r.bus.Publish(events.EventEmergencyBroadcast, events.Payload{
		"from":      sender.DeviceID,
		"message":   p.Message,
		"delivered": delivered,
	})
	r.logger.Warn().
		Str("from", sender.DeviceID).
		Int("delivered", delivered).
		Msg("emergency broadcast")
	return "ok"
}

// handleEmergencyStop cancels an active alert. Targeting mirrors the alert
// itself: explicit devices, or every classroom when none are given.
func (r *Router) handleEmergencyStop(connID string, msg protocol.Message) string {
	sender, ok := r.authorize(connID)
	if !ok {
		return "unauthorized"
	}
	var p protocol.EmergencyStop
	// No required fields; a bare frame clears every classroom.
	if len(msg.Data) > 0 {
		if err := protocol.UnmarshalData(msg, &p); err != nil {
			r.sendError(connID, protocol.ErrValidation, err.Error(), "", "")
			return "invalid"
		}
	}
	cleared := protocol.MustNew(protocol.KindEmergencyStop, protocol.EmergencyCleared{
		From:   sender.DeviceID,
		SentAt: r.now(),
	})

	delivered := 0
	if len(p.TargetDeviceIDs) == 0 {
		delivered = r.hub.ToGroup(transport.RoleGroup(protocol.RoleClassroom), cleared)
		r.report(connID, protocol.KindEmergencyStop, r.hub.GroupSize(transport.RoleGroup(protocol.RoleClassroom)), delivered, "")
	} else {
		for _, id := range p.TargetDeviceIDs {
			if _, ok := r.registry.Lookup(id); !ok {
				continue
			}
			r.hub.ToGroup(transport.DeviceGroup(id), cleared)
			delivered++
		}
		r.report(connID, protocol.KindEmergencyStop, len(p.TargetDeviceIDs), delivered, "")
	}

	r.bus.Publish(events.EventEmergencyCleared, events.Payload{
		"from":      sender.DeviceID,
		"delivered": delivered,
	})
	r.logger.Info().
		Str("from", sender.DeviceID).
		Int("delivered", delivered).
		Msg("emergency cleared")
	return "ok"
}

func (r *Router) handleVideoPlay(connID string, msg protocol.Message) string {
	if _, ok := r.authorize(connID); !ok {
		return "unauthorized"
	}
	var p protocol.VideoPlay
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}

	delivered := 0
	for _, id := range p.TargetDeviceIDs {
		dev, ok := r.registry.Lookup(id)
		if !ok || dev.Role != protocol.RoleClassroom {
			// Target lists legitimately mix roles; non-classroom entries are
			// skipped, not errored, and one miss never aborts the rest.
			continue
		}
		r.sessions.Play(id, p.URL)
		r.hub.ToGroup(transport.DeviceGroup(id), protocol.MustNew(protocol.KindVideoPlay, protocol.VideoPlay{
			TargetDeviceIDs: []string{id},
			URL:             p.URL,
			AutoPlay:        p.AutoPlay,
			Volume:          p.Volume,
		}))
		delivered++
	}
	r.report(connID, protocol.KindVideoPlay, len(p.TargetDeviceIDs), delivered, "")
	return "ok"
}

func (r *Router) handleVideoStop(connID string, msg protocol.Message) string {
	if _, ok := r.authorize(connID); !ok {
		return "unauthorized"
	}
	var p protocol.VideoStop
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}

	delivered := 0
	for _, id := range p.TargetDeviceIDs {
		if _, ok := r.registry.Lookup(id); !ok {
			continue
		}
		r.sessions.Stop(id)
		r.hub.ToGroup(transport.DeviceGroup(id), protocol.MustNew(protocol.KindVideoStop, protocol.VideoStop{
			TargetDeviceIDs: []string{id},
		}))
		delivered++
	}
	r.report(connID, protocol.KindVideoStop, len(p.TargetDeviceIDs), delivered, "")
	return "ok"
}

// handlePauseResume covers both directions; kind selects which.
func (r *Router) handlePauseResume(connID string, msg protocol.Message, kind protocol.Kind) string {
	if _, ok := r.authorize(connID); !ok {
		return "unauthorized"
	}
	var p protocol.VideoPause
	if len(msg.Data) > 0 {
		if kind == protocol.KindVideoResume {
			var rp protocol.VideoResume
			if err := protocol.UnmarshalData(msg, &rp); err != nil {
				r.sendError(connID, protocol.ErrValidation, err.Error(), "", "")
				return "invalid"
			}
			p = protocol.VideoPause(rp)
		} else if err := protocol.UnmarshalData(msg, &p); err != nil {
			r.sendError(connID, protocol.ErrValidation, err.Error(), "", "")
			return "invalid"
		}
	}

	apply := func(deviceID string) {
		if kind == protocol.KindVideoPause {
			r.sessions.Pause(deviceID, p.Reason)
		} else {
			r.sessions.Resume(deviceID)
		}
	}
	out := protocol.MustNew(kind, p)

	if p.TargetDeviceID != "" {
		// State is only touched for known devices, but the frame still goes
		// to the (possibly empty) device group.
		if _, ok := r.registry.Lookup(p.TargetDeviceID); ok {
			apply(p.TargetDeviceID)
		}
		r.hub.ToGroup(transport.DeviceGroup(p.TargetDeviceID), out)
		return "ok"
	}

	// No target: affects exactly the classroom set at call time.
	for _, dev := range r.registry.Snapshot() {
		if dev.Role == protocol.RoleClassroom {
			apply(dev.DeviceID)
		}
	}
	r.hub.ToGroup(transport.RoleGroup(protocol.RoleClassroom), out)
	return "ok"
}

func (r *Router) handleVideoStateChanged(connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.VideoStateChanged
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	r.sessions.ReportState(sender.DeviceID, p.State == "playing", p.URL)

	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), protocol.MustNew(protocol.KindVideoStateChanged, map[string]any{
		"deviceId":    sender.DeviceID,
		"state":       p.State,
		"url":         p.URL,
		"currentTime": p.CurrentTime,
	}))
	return "ok"
}

func (r *Router) handleAnnounceStart(connID string, msg protocol.Message) string {
	sender, ok := r.authorize(connID)
	if !ok {
		return "unauthorized"
	}
	var p protocol.AnnounceStart
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}

	// One session id covers the whole call, however many targets it has.
	sessionID := uuid.NewString()
	begin := protocol.MustNew(protocol.KindAnnounceStart, protocol.AnnounceBegin{
		SessionID:    sessionID,
		From:         sender.DeviceID,
		AnnounceType: p.AnnounceType,
	})

	delivered := 0
	for _, id := range p.TargetDeviceIDs {
		dev, ok := r.registry.Lookup(id)
		if !ok || dev.Role != protocol.RoleClassroom {
			continue
		}
		r.sessions.AnnouncementStart(id, sender.DeviceID, sessionID)
		r.hub.ToGroup(transport.DeviceGroup(id), begin)
		delivered++
	}
	r.report(connID, protocol.KindAnnounceStart, len(p.TargetDeviceIDs), delivered, sessionID)

	r.bus.Publish(events.EventAnnouncementStarted, events.Payload{
		"session_id": sessionID,
		"from":       sender.DeviceID,
		"targets":    delivered,
	})
	return "ok"
}

func (r *Router) handleAnnounceEnd(connID string, msg protocol.Message) string {
	if _, ok := r.authorize(connID); !ok {
		return "unauthorized"
	}
	var p protocol.AnnounceEnd
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}

	delivered := 0
	for _, id := range p.TargetDeviceIDs {
		if _, ok := r.registry.Lookup(id); !ok {
			continue
		}
		url, resume := r.sessions.AnnouncementEnd(id)
		r.hub.ToGroup(transport.DeviceGroup(id), protocol.MustNew(protocol.KindAnnounceEnd, protocol.AnnounceFinish{
			SessionID: p.SessionID,
			Resume:    resume,
			URL:       url,
		}))
		delivered++
	}
	r.report(connID, protocol.KindAnnounceEnd, len(p.TargetDeviceIDs), delivered, p.SessionID)

	r.bus.Publish(events.EventAnnouncementEnded, events.Payload{
		"session_id": p.SessionID,
		"targets":    delivered,
	})
	return "ok"
}

// handleAnnounceReady relays a target's readiness to the one dashboard that
// started its announcement. Never a broadcast.
func (r *Router) handleAnnounceReady(connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.AnnounceReady
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}

	from, ok := r.sessions.AnnouncementInitiator(sender.DeviceID)
	if !ok {
		r.sendError(connID, protocol.ErrNotFound, "no active announcement for device", "sessionId", p.SessionID)
		return "not_found"
	}
	p.DeviceID = sender.DeviceID
	r.hub.ToGroup(transport.DeviceGroup(from), protocol.MustNew(protocol.KindAnnounceReady, p))
	return "ok"
}

// handleWebRTCSignal relays an SDP offer or answer. The server rewrites the
// from field and otherwise treats the SDP as opaque.
func (r *Router) handleWebRTCSignal(connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.WebRTCSignal
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	if _, ok := r.registry.Lookup(p.To); !ok {
		r.sendError(connID, protocol.ErrNotFound, "peer not registered", "to", "")
		return "not_found"
	}
	p.From = sender.DeviceID
	r.hub.ToGroup(transport.DeviceGroup(p.To), protocol.MustNew(msg.Type, p))
	return "ok"
}

func (r *Router) handleWebRTCCandidate(connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.WebRTCCandidate
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	if _, ok := r.registry.Lookup(p.To); !ok {
		r.sendError(connID, protocol.ErrNotFound, "peer not registered", "to", "")
		return "not_found"
	}
	p.From = sender.DeviceID
	r.hub.ToGroup(transport.DeviceGroup(p.To), protocol.MustNew(protocol.KindWebRTCCandidate, p))
	return "ok"
}

// handleAIQuery runs the provider call off the read loop so one slow answer
// never stalls the connection's other traffic.
func (r *Router) handleAIQuery(ctx context.Context, connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.AIQuery
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	if r.ai == nil {
		r.sendError(connID, protocol.ErrProviderFailure, "answer service is disabled", "", p.QueryID)
		return "error"
	}
	p.QueryID = r.correlation(p.QueryID)

	r.bus.Publish(events.EventAIQuery, events.Payload{
		"query_id":  p.QueryID,
		"device_id": sender.DeviceID,
	})

	go func() {
		resp := r.ai.Answer(ctx, p)
		resp.QueryID = p.QueryID
		resp.DeviceID = sender.DeviceID
		resp.Question = p.Text
		resp.Speaker = p.Speaker
		r.fanOutAnswer(connID, resp)
	}()
	return "ok"
}

// fanOutAnswer delivers a response three ways: the full record to the
// requester, a display shape to classrooms, and a log shape to dashboards.
func (r *Router) fanOutAnswer(requesterConnID string, resp protocol.AIResponse) {
	r.hub.Unicast(requesterConnID, protocol.MustNew(protocol.KindAIResponse, resp))

	r.hub.ToGroup(transport.RoleGroup(protocol.RoleClassroom), protocol.MustNew(protocol.KindAIResponse, map[string]any{
		"response": resp.Response,
		"source":   resp.Source,
		"question": resp.Question,
		"speaker":  resp.Speaker,
	}))

	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), protocol.MustNew(protocol.KindAIResponse, map[string]any{
		"queryId":   resp.QueryID,
		"deviceId":  resp.DeviceID,
		"question":  resp.Question,
		"response":  resp.Response,
		"source":    resp.Source,
		"error":     resp.Error,
		"latencyMs": resp.LatencyMS,
	}))

	r.bus.Publish(events.EventAIResponse, events.Payload{
		"query_id": resp.QueryID,
		"source":   resp.Source,
		"error":    resp.Error,
	})
}

// handleAILocalResponse fans out an answer a classroom produced on its own
// hardware; the server adds nothing.
func (r *Router) handleAILocalResponse(connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.AILocalResponse
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}

	out := protocol.MustNew(protocol.KindAIResponse, map[string]any{
		"deviceId":  sender.DeviceID,
		"response":  p.Response,
		"source":    p.Source,
		"question":  p.Question,
		"speaker":   p.Speaker,
		"latencyMs": p.LatencyMS,
	})
	r.hub.ToGroupExcept(transport.RoleGroup(protocol.RoleClassroom), connID, out)
	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), out)
	return "ok"
}

func (r *Router) handleAttendance(ctx context.Context, connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.AttendanceEntry
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}
	if r.records == nil {
		r.sendError(connID, protocol.ErrProviderFailure, "attendance recording is disabled", "", "")
		return "error"
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = r.now()
	}

	recorded, err := r.records.Record(ctx, sender.DeviceID, p)
	if err != nil {
		r.logger.Error().Err(err).Str("student", p.StudentName).Msg("attendance record failed")
		r.sendError(connID, protocol.ErrProviderFailure, "attendance record failed", "", "")
		return "error"
	}

	r.hub.Unicast(connID, protocol.MustNew(protocol.KindAttendanceAck, map[string]any{
		"studentName": p.StudentName,
		"recorded":    recorded,
		"timestamp":   p.Timestamp,
	}))
	if recorded {
		r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), protocol.MustNew(protocol.KindAttendanceEntry, map[string]any{
			"deviceId":    sender.DeviceID,
			"studentName": p.StudentName,
			"confidence":  p.Confidence,
			"roll":        p.Roll,
			"timestamp":   p.Timestamp,
		}))
		telemetry.AttendanceEntriesTotal.WithLabelValues("recorded").Inc()
		r.bus.Publish(events.EventAttendanceRecorded, events.Payload{
			"device_id": sender.DeviceID,
			"student":   p.StudentName,
		})
	} else {
		telemetry.AttendanceEntriesTotal.WithLabelValues("cooldown").Inc()
	}
	return "ok"
}

func (r *Router) handlePresence(connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.PresenceUpdate
	if err := protocol.UnmarshalData(msg, &p); err != nil {
		r.sendError(connID, protocol.ErrValidation, err.Error(), "", "")
		return "invalid"
	}
	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), protocol.MustNew(protocol.KindPresenceUpdate, map[string]any{
		"deviceId":  sender.DeviceID,
		"faces":     p.Faces,
		"timestamp": p.Timestamp,
	}))
	return "ok"
}

func frameKey(connID string, kind protocol.Kind) string {
	return connID + "|" + string(kind)
}

// handleMonitorFrame relays a camera or display frame to the dashboard group
// for live view, rate-limited per sender and stream. Over-rate frames are
// dropped without an error reply; the sender keeps producing regardless.
func (r *Router) handleMonitorFrame(connID string, msg protocol.Message) string {
	sender, ok := r.registry.Get(connID)
	if !ok {
		r.sendError(connID, protocol.ErrUnauthorized, "connection is not registered", "", "")
		return "unregistered"
	}
	var p protocol.MonitorFrame
	if !r.decode(connID, msg, &p) {
		return "invalid"
	}

	key := frameKey(connID, msg.Type)
	now := r.now()
	r.frameMu.Lock()
	if last, seen := r.lastFrame[key]; seen && now.Sub(last) < frameMinInterval {
		r.frameMu.Unlock()
		return "throttled"
	}
	r.lastFrame[key] = now
	r.frameMu.Unlock()

	p.DeviceID = sender.DeviceID
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	r.hub.ToGroupExcept(transport.RoleGroup(protocol.RoleDashboard), connID, protocol.MustNew(msg.Type, p))
	return "ok"
}

func (r *Router) handleDevicesList(connID string) string {
	r.hub.Unicast(connID, protocol.MustNew(protocol.KindDevicesList, map[string]any{
		"devices": r.registry.Snapshot(),
	}))
	return "ok"
}

func (r *Router) report(connID string, command protocol.Kind, requested, delivered int, corrID string) {
	r.hub.Unicast(connID, protocol.MustNew(protocol.KindDeliveryReport, protocol.DeliveryReport{
		Command:       command,
		Requested:     requested,
		Delivered:     delivered,
		CorrelationID: corrID,
	}))
}
