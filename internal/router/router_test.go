package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/events"
	"github.com/campusgrid/supernode/internal/protocol"
	"github.com/campusgrid/supernode/internal/registry"
	"github.com/campusgrid/supernode/internal/session"
	"github.com/campusgrid/supernode/internal/transport"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	msgs []protocol.Message
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close(string) {}

// last returns the most recent message of the given kind, if any.
func (f *fakeConn) last(kind protocol.Kind) (protocol.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Type == kind {
			return f.msgs[i], true
		}
	}
	return protocol.Message{}, false
}

// count reports how many messages of the given kind the conn has seen.
func (f *fakeConn) count(kind protocol.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Type == kind {
			n++
		}
	}
	return n
}

// waitFor polls until the conn has seen a message of the given kind.
func (f *fakeConn) waitFor(t *testing.T, kind protocol.Kind) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := f.last(kind); ok {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s message arrived", kind)
	return protocol.Message{}
}

type fakeAnswerer struct {
	resp protocol.AIResponse
}

func (f *fakeAnswerer) Answer(context.Context, protocol.AIQuery) protocol.AIResponse {
	return f.resp
}

type fakeRecorder struct {
	recorded bool
	err      error

	mu      sync.Mutex
	entries []protocol.AttendanceEntry
}

func (f *fakeRecorder) Record(_ context.Context, _ string, e protocol.AttendanceEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return f.recorded, f.err
}

type fixture struct {
	hub      *transport.Hub
	registry *registry.Registry
	sessions *session.Store
	answerer *fakeAnswerer
	recorder *fakeRecorder
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := transport.NewHub(zerolog.Nop())
	reg := registry.New(hub, events.NewBus(), registry.Options{DisconnectGrace: time.Hour}, zerolog.Nop())
	t.Cleanup(reg.Close)
	sessions := session.NewStore()
	answerer := &fakeAnswerer{resp: protocol.AIResponse{Response: "answer", Source: "test"}}
	recorder := &fakeRecorder{recorded: true}
	return &fixture{
		hub:      hub,
		registry: reg,
		sessions: sessions,
		answerer: answerer,
		recorder: recorder,
		router:   New(hub, reg, sessions, answerer, recorder, events.NewBus(), zerolog.Nop()),
	}
}

// register connects and registers a device in one step.
func (f *fixture) register(t *testing.T, connID, deviceID string, role protocol.Role) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: connID}
	f.hub.Add(conn)
	f.router.HandleMessage(context.Background(), connID, "10.0.0.1",
		protocol.MustNew(protocol.KindRegister, protocol.Register{DeviceID: deviceID, Role: role}))
	if _, ok := conn.last(protocol.KindRegistered); !ok {
		t.Fatalf("register ack missing for %s", deviceID)
	}
	return conn
}

func (f *fixture) send(connID string, kind protocol.Kind, payload any) {
	f.router.HandleMessage(context.Background(), connID, "", protocol.MustNew(kind, payload))
}

func decodeAs[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var v T
	if err := protocol.UnmarshalData(msg, &v); err != nil {
		t.Fatalf("decode %s: %v", msg.Type, err)
	}
	return v
}

func TestNonDashboardCommandsAreRejected(t *testing.T) {
	f := newFixture(t)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)

	f.send("c1", protocol.KindVideoPlay, protocol.VideoPlay{TargetDeviceIDs: []string{"cls-1"}, URL: "https://x/v.mp4"})

	msg, ok := cls.last(protocol.KindError)
	if !ok {
		t.Fatal("classroom issuing a video command must get an explicit error, not silence")
	}
	reply := decodeAs[protocol.ErrorReply](t, msg)
	if reply.Code != protocol.ErrUnauthorized {
		t.Errorf("expected unauthorized, got %s", reply.Code)
	}
	if _, ok := f.sessions.Get("cls-1"); ok {
		t.Error("rejected command must not touch session state")
	}
}

func TestUnregisteredConnectionIsRejected(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{id: "ghost"}
	f.hub.Add(conn)

	f.send("ghost", protocol.KindEmergency, protocol.Emergency{Message: "fire"})

	msg, ok := conn.last(protocol.KindError)
	if !ok {
		t.Fatal("expected an error reply")
	}
	if decodeAs[protocol.ErrorReply](t, msg).Code != protocol.ErrUnauthorized {
		t.Error("unregistered senders must be unauthorized")
	}
}

func TestControlCommandRouting(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)

	f.send("d1", protocol.KindControlCommand, protocol.ControlCommand{
		TargetDeviceID: "cls-1", Action: "reboot", CommandID: "cmd-7",
	})

	msg, ok := cls.last(protocol.KindControlCommand)
	if !ok {
		t.Fatal("target must receive the command")
	}
	cmd := decodeAs[protocol.ControlCommand](t, msg)
	if cmd.Action != "reboot" || cmd.CommandID != "cmd-7" {
		t.Errorf("unexpected routed command: %+v", cmd)
	}
	if _, ok := dash.last(protocol.KindError); ok {
		t.Error("successful routing must not produce an error reply")
	}
}

func TestControlCommandUnknownTargetKeepsCorrelationID(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)

	f.send("d1", protocol.KindControlCommand, protocol.ControlCommand{
		TargetDeviceID: "nope", Action: "reboot", CommandID: "cmd-9",
	})

	reply := decodeAs[protocol.ErrorReply](t, dash.waitFor(t, protocol.KindError))
	if reply.Code != protocol.ErrNotFound {
		t.Errorf("expected not_found, got %s", reply.Code)
	}
	if reply.CorrelationID != "cmd-9" {
		t.Errorf("error must carry the original correlation id, got %q", reply.CorrelationID)
	}
}

func TestControlCommandMintsCorrelationID(t *testing.T) {
	f := newFixture(t)
	f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)

	f.send("d1", protocol.KindControlCommand, protocol.ControlCommand{TargetDeviceID: "cls-1", Action: "mute"})

	cmd := decodeAs[protocol.ControlCommand](t, cls.waitFor(t, protocol.KindControlCommand))
	if cmd.CommandID == "" {
		t.Error("router must assign a correlation id when the caller omits one")
	}
}

func TestControlAckRelayedVerbatimToDashboards(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	f.register(t, "c1", "cls-1", protocol.RoleClassroom)

	// Deliberately odd payload: acks are not inspected.
	raw := protocol.Message{Type: protocol.KindControlAck, Data: []byte(`{"whatever":42}`)}
	f.router.HandleMessage(context.Background(), "c1", "", raw)

	msg := dash.waitFor(t, protocol.KindControlAck)
	if string(msg.Data) != `{"whatever":42}` {
		t.Errorf("ack payload must pass through untouched, got %s", msg.Data)
	}
}

func TestVideoPlayPartialSuccess(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)
	gate := f.register(t, "g1", "gate-1", protocol.RoleGate)

	f.send("d1", protocol.KindVideoPlay, protocol.VideoPlay{
		TargetDeviceIDs: []string{"cls-1", "gate-1", "missing"},
		URL:             "https://x/v.mp4",
	})

	report := decodeAs[protocol.DeliveryReport](t, dash.waitFor(t, protocol.KindDeliveryReport))
	if report.Requested != 3 || report.Delivered != 1 {
		t.Errorf("expected 3 requested / 1 delivered, got %d/%d", report.Requested, report.Delivered)
	}

	play := decodeAs[protocol.VideoPlay](t, cls.waitFor(t, protocol.KindVideoPlay))
	if play.URL != "https://x/v.mp4" {
		t.Errorf("classroom must receive the play URL, got %q", play.URL)
	}
	if _, ok := gate.last(protocol.KindVideoPlay); ok {
		t.Error("non-classroom targets must be silently skipped")
	}
	if _, ok := gate.last(protocol.KindError); ok {
		t.Error("skipping a non-classroom target must not error")
	}

	st, ok := f.sessions.Get("cls-1")
	if !ok || !st.IsPlaying || st.LastVideoURL != "https://x/v.mp4" {
		t.Errorf("session state not updated: %+v", st)
	}
	if _, ok := f.sessions.Get("gate-1"); ok {
		t.Error("skipped targets must not grow session records")
	}
}

func TestUntargetedPauseAffectsClassroomSetAtCallTime(t *testing.T) {
	f := newFixture(t)
	f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	f.register(t, "c1", "cls-1", protocol.RoleClassroom)
	f.send("d1", protocol.KindVideoPlay, protocol.VideoPlay{TargetDeviceIDs: []string{"cls-1"}, URL: "https://x/v.mp4"})

	f.send("d1", protocol.KindVideoPause, protocol.VideoPause{Reason: "doubt-mode"})

	st, _ := f.sessions.Get("cls-1")
	if st.IsPlaying || st.PauseReason != "doubt-mode" {
		t.Errorf("classroom must be paused: %+v", st)
	}

	// A classroom registered after the pause call is unaffected by it.
	f.register(t, "c2", "cls-2", protocol.RoleClassroom)
	if _, ok := f.sessions.Get("cls-2"); ok {
		t.Error("a later registration must not inherit a past pause")
	}
}

func TestTargetedPauseUnknownDeviceCreatesNoRecord(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)

	f.send("d1", protocol.KindVideoPause, protocol.VideoPause{Reason: "manual", TargetDeviceID: "missing"})

	if _, ok := f.sessions.Get("missing"); ok {
		t.Error("unknown single-target pause must not create a state record")
	}
	if _, ok := dash.last(protocol.KindError); ok {
		t.Error("the frame still goes to the empty group without an error")
	}
}

func TestAnnouncementLifecycle(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)
	other := f.register(t, "d2", "dash-2", protocol.RoleDashboard)
	f.send("d1", protocol.KindVideoPlay, protocol.VideoPlay{TargetDeviceIDs: []string{"cls-1"}, URL: "https://x/v.mp4"})

	f.send("d1", protocol.KindAnnounceStart, protocol.AnnounceStart{TargetDeviceIDs: []string{"cls-1"}})

	begin := decodeAs[protocol.AnnounceBegin](t, cls.waitFor(t, protocol.KindAnnounceStart))
	if begin.SessionID == "" || begin.From != "dash-1" {
		t.Fatalf("unexpected announce begin: %+v", begin)
	}
	st, _ := f.sessions.Get("cls-1")
	if st.IsPlaying || !st.AnnouncementActive {
		t.Errorf("announcement must suspend video: %+v", st)
	}

	// Readiness goes only to the initiating dashboard.
	f.send("c1", protocol.KindAnnounceReady, protocol.AnnounceReady{SessionID: begin.SessionID})
	ready := decodeAs[protocol.AnnounceReady](t, dash.waitFor(t, protocol.KindAnnounceReady))
	if ready.DeviceID != "cls-1" {
		t.Errorf("ready relay must carry the device id, got %q", ready.DeviceID)
	}
	if _, ok := other.last(protocol.KindAnnounceReady); ok {
		t.Error("readiness must never reach non-initiating dashboards")
	}

	// Ending resumes exactly because a video URL was on record.
	f.send("d1", protocol.KindAnnounceEnd, protocol.AnnounceEnd{SessionID: begin.SessionID, TargetDeviceIDs: []string{"cls-1"}})
	finish := decodeAs[protocol.AnnounceFinish](t, cls.waitFor(t, protocol.KindAnnounceEnd))
	if !finish.Resume || finish.URL != "https://x/v.mp4" {
		t.Errorf("expected resume with stored URL, got %+v", finish)
	}
}

func TestWebRTCRelayRewritesFrom(t *testing.T) {
	f := newFixture(t)
	f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)

	f.router.HandleMessage(context.Background(), "d1", "", protocol.Message{
		Type: protocol.KindWebRTCOffer,
		Data: []byte(`{"to":"cls-1","from":"spoofed","sdp":{"type":"offer","sdp":"v=0"}}`),
	})

	offer := decodeAs[protocol.WebRTCSignal](t, cls.waitFor(t, protocol.KindWebRTCOffer))
	if offer.From != "dash-1" {
		t.Errorf("from must be rewritten to the sender's device id, got %q", offer.From)
	}
	if offer.SDP.SDP != "v=0" {
		t.Error("the SDP body must pass through untouched")
	}
}

func TestAIQueryFanOut(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	asker := f.register(t, "c1", "cls-1", protocol.RoleClassroom)
	peer := f.register(t, "c2", "cls-2", protocol.RoleClassroom)

	f.send("c1", protocol.KindAIQuery, protocol.AIQuery{QueryID: "q-1", Text: "what is photosynthesis"})

	full := decodeAs[protocol.AIResponse](t, asker.waitFor(t, protocol.KindAIResponse))
	if full.QueryID != "q-1" || full.Response != "answer" || full.Question != "what is photosynthesis" {
		t.Errorf("unexpected requester payload: %+v", full)
	}
	peer.waitFor(t, protocol.KindAIResponse)
	log := decodeAs[protocol.AIResponse](t, dash.waitFor(t, protocol.KindAIResponse))
	if log.DeviceID != "cls-1" {
		t.Errorf("dashboard log entry must name the asking device, got %q", log.DeviceID)
	}
}

func TestAttendanceRecordAndCooldown(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	gate := f.register(t, "g1", "gate-1", protocol.RoleGate)

	f.send("g1", protocol.KindAttendanceEntry, protocol.AttendanceEntry{StudentName: "Asha", Confidence: 0.97})

	ack := decodeAs[map[string]any](t, gate.waitFor(t, protocol.KindAttendanceAck))
	if ack["recorded"] != true {
		t.Errorf("expected recorded ack, got %+v", ack)
	}
	dash.waitFor(t, protocol.KindAttendanceEntry)

	// Duplicates inside the cooldown window are acked but not recorded and
	// never reach the dashboards.
	f.recorder.recorded = false
	before := func() int {
		dash.mu.Lock()
		defer dash.mu.Unlock()
		return len(dash.msgs)
	}()
	f.send("g1", protocol.KindAttendanceEntry, protocol.AttendanceEntry{StudentName: "Asha"})
	ack = decodeAs[map[string]any](t, gate.waitFor(t, protocol.KindAttendanceAck))
	if ack["recorded"] != false {
		t.Errorf("duplicate must be acked as not recorded, got %+v", ack)
	}
	dash.mu.Lock()
	after := len(dash.msgs)
	dash.mu.Unlock()
	if after != before {
		t.Error("suppressed duplicates must not be relayed to dashboards")
	}
}

func TestMalformedPayloadGetsValidationError(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)

	f.send("d1", protocol.KindVideoPlay, protocol.VideoPlay{TargetDeviceIDs: []string{"cls-1"}}) // missing url

	reply := decodeAs[protocol.ErrorReply](t, dash.waitFor(t, protocol.KindError))
	if reply.Code != protocol.ErrValidation || reply.Field != "url" {
		t.Errorf("expected validation error on url, got %+v", reply)
	}
}

func TestEmergencyStopClearsClassrooms(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls1 := f.register(t, "c1", "cls-1", protocol.RoleClassroom)
	cls2 := f.register(t, "c2", "cls-2", protocol.RoleClassroom)
	gate := f.register(t, "g1", "gate-1", protocol.RoleGate)

	f.send("d1", protocol.KindEmergency, protocol.Emergency{Message: "fire drill"})
	f.send("d1", protocol.KindEmergencyStop, protocol.EmergencyStop{})

	for _, cls := range []*fakeConn{cls1, cls2} {
		msg, ok := cls.last(protocol.KindEmergencyStop)
		if !ok {
			t.Fatalf("%s must receive the stop", cls.id)
		}
		cleared := decodeAs[protocol.EmergencyCleared](t, msg)
		if cleared.From != "dash-1" {
			t.Errorf("stop must carry the clearing dashboard, got %q", cleared.From)
		}
	}
	if _, ok := gate.last(protocol.KindEmergencyStop); ok {
		t.Error("an untargeted stop goes to classrooms only")
	}

	report := decodeAs[protocol.DeliveryReport](t, dash.waitFor(t, protocol.KindDeliveryReport))
	if report.Command != protocol.KindEmergencyStop || report.Delivered != 2 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestEmergencyStopTargetedAndAuthorized(t *testing.T) {
	f := newFixture(t)
	f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls1 := f.register(t, "c1", "cls-1", protocol.RoleClassroom)
	cls2 := f.register(t, "c2", "cls-2", protocol.RoleClassroom)

	f.send("d1", protocol.KindEmergencyStop, protocol.EmergencyStop{TargetDeviceIDs: []string{"cls-2"}})

	if _, ok := cls2.last(protocol.KindEmergencyStop); !ok {
		t.Error("targeted stop must reach its target")
	}
	if _, ok := cls1.last(protocol.KindEmergencyStop); ok {
		t.Error("untargeted classrooms must not be cleared")
	}

	// Only dashboards may clear an alert.
	f.send("c1", protocol.KindEmergencyStop, protocol.EmergencyStop{})
	reply := decodeAs[protocol.ErrorReply](t, cls1.waitFor(t, protocol.KindError))
	if reply.Code != protocol.ErrUnauthorized {
		t.Errorf("expected unauthorized, got %s", reply.Code)
	}
}

func TestMonitorFrameRelayedToDashboards(t *testing.T) {
	f := newFixture(t)
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)
	gate := f.register(t, "g1", "gate-1", protocol.RoleGate)

	f.send("g1", protocol.KindCameraFrame, protocol.MonitorFrame{Frame: "aGVsbG8="})

	msg, ok := dash.last(protocol.KindCameraFrame)
	if !ok {
		t.Fatal("dashboard must receive the frame")
	}
	frame := decodeAs[protocol.MonitorFrame](t, msg)
	if frame.DeviceID != "gate-1" || frame.Frame != "aGVsbG8=" {
		t.Errorf("unexpected frame: %+v", frame)
	}
	if _, ok := cls.last(protocol.KindCameraFrame); ok {
		t.Error("frames are for dashboards, not the classroom fleet")
	}

	// A frame without image data is a validation error.
	f.send("g1", protocol.KindCameraFrame, protocol.MonitorFrame{})
	reply := decodeAs[protocol.ErrorReply](t, gate.waitFor(t, protocol.KindError))
	if reply.Field != "frame" {
		t.Errorf("expected validation error on frame, got %+v", reply)
	}
}

func TestMonitorFrameThrottledPerStream(t *testing.T) {
	f := newFixture(t)
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.router.now = func() time.Time { return clock }
	dash := f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	f.register(t, "c1", "cls-1", protocol.RoleClassroom)

	f.send("c1", protocol.KindCameraFrame, protocol.MonitorFrame{Frame: "YQ=="})
	f.send("c1", protocol.KindCameraFrame, protocol.MonitorFrame{Frame: "Yg=="})
	if n := dash.count(protocol.KindCameraFrame); n != 1 {
		t.Errorf("second frame inside the window must be dropped, got %d", n)
	}

	// The display stream throttles independently of the camera stream.
	f.send("c1", protocol.KindDisplayFrame, protocol.MonitorFrame{Frame: "Yw=="})
	if n := dash.count(protocol.KindDisplayFrame); n != 1 {
		t.Errorf("display frames have their own window, got %d", n)
	}

	clock = clock.Add(250 * time.Millisecond)
	f.send("c1", protocol.KindCameraFrame, protocol.MonitorFrame{Frame: "ZA=="})
	if n := dash.count(protocol.KindCameraFrame); n != 2 {
		t.Errorf("frame after the window must be relayed, got %d", n)
	}
}

func TestTargetedResumeClearsPause(t *testing.T) {
	f := newFixture(t)
	f.register(t, "d1", "dash-1", protocol.RoleDashboard)
	cls := f.register(t, "c1", "cls-1", protocol.RoleClassroom)

	f.send("d1", protocol.KindVideoPlay, protocol.VideoPlay{TargetDeviceIDs: []string{"cls-1"}, URL: "https://x/v.mp4"})
	f.send("d1", protocol.KindVideoPause, protocol.VideoPause{Reason: "doubt-mode", TargetDeviceID: "cls-1"})
	f.send("d1", protocol.KindVideoResume, protocol.VideoResume{Reason: "doubt-resolved", TargetDeviceID: "cls-1"})

	st, _ := f.sessions.Get("cls-1")
	if !st.IsPlaying || st.PausedAt != nil || st.PauseReason != "" {
		t.Errorf("resume must clear the pause: %+v", st)
	}
	msg, ok := cls.last(protocol.KindVideoResume)
	if !ok {
		t.Fatal("classroom must receive the resume frame")
	}
	if decodeAs[protocol.VideoResume](t, msg).Reason != "doubt-resolved" {
		t.Error("resume reason must survive the relay")
	}
}
