package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/protocol"
)

type stubProvider struct {
	name   string
	answer string
	err    error
	calls  int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Answer(context.Context, string, QueryContext) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func newTestService(primary, secondary Provider) (*Service, *time.Time) {
	svc := NewService(primary, secondary, time.Second, 60*time.Second, nil, zerolog.Nop())
	clock := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	return svc, &clock
}

func TestPrimaryAnswers(t *testing.T) {
	primary := &stubProvider{name: "ollama", answer: "chlorophyll absorbs light"}
	svc, _ := newTestService(primary, &stubProvider{name: "cloud", answer: "unused"})

	resp := svc.Answer(context.Background(), protocol.AIQuery{Text: "what does chlorophyll do"})
	if resp.Error || resp.Source != "ollama" || resp.Response != "chlorophyll absorbs light" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	primary := &stubProvider{name: "ollama", err: errors.New("connection refused")}
	secondary := &stubProvider{name: "cloud", answer: "fallback answer"}
	svc, _ := newTestService(primary, secondary)

	resp := svc.Answer(context.Background(), protocol.AIQuery{Text: "q"})
	if resp.Error || resp.Source != "cloud" || resp.Response != "fallback answer" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestPrimarySkippedDuringCooldown(t *testing.T) {
	primary := &stubProvider{name: "ollama", err: errors.New("down")}
	secondary := &stubProvider{name: "cloud", answer: "ok"}
	svc, clock := newTestService(primary, secondary)

	svc.Answer(context.Background(), protocol.AIQuery{Text: "q1"})
	if primary.calls != 1 {
		t.Fatalf("expected 1 primary attempt, got %d", primary.calls)
	}

	// Inside the cool-down the primary is not retried, even if it would
	// succeed now.
	primary.err = nil
	primary.answer = "recovered"
	*clock = clock.Add(30 * time.Second)
	resp := svc.Answer(context.Background(), protocol.AIQuery{Text: "q2"})
	if primary.calls != 1 {
		t.Errorf("primary must be skipped during cool-down, got %d calls", primary.calls)
	}
	if resp.Source != "cloud" {
		t.Errorf("expected cloud answer during cool-down, got %s", resp.Source)
	}

	// Past the cool-down the primary gets another chance.
	*clock = clock.Add(31 * time.Second)
	resp = svc.Answer(context.Background(), protocol.AIQuery{Text: "q3"})
	if primary.calls != 2 {
		t.Errorf("primary must be retried after cool-down, got %d calls", primary.calls)
	}
	if resp.Source != "ollama" || resp.Response != "recovered" {
		t.Errorf("unexpected response after recovery: %+v", resp)
	}
}

func TestApologyWhenAllProvidersFail(t *testing.T) {
	primary := &stubProvider{name: "ollama", err: errors.New("down")}
	secondary := &stubProvider{name: "cloud", err: errors.New("also down")}
	svc, _ := newTestService(primary, secondary)

	resp := svc.Answer(context.Background(), protocol.AIQuery{Text: "q"})
	if !resp.Error || resp.Source != "error" {
		t.Errorf("expected degraded response, got %+v", resp)
	}
	if resp.Response != apology {
		t.Errorf("clients must get the fixed apology, got %q", resp.Response)
	}
}

func TestApologyWhenNoProvidersConfigured(t *testing.T) {
	svc, _ := newTestService(nil, nil)

	resp := svc.Answer(context.Background(), protocol.AIQuery{Text: "q"})
	if !resp.Error || resp.Response != apology {
		t.Errorf("expected apology, got %+v", resp)
	}
}

func TestContextBlockIgnoresUnknownKeys(t *testing.T) {
	block := contextBlock(QueryContext{
		"video_topic": "Biology - Photosynthesis",
		"session_key": "should not appear",
	})
	if block != "Video Context:\nCurrent Topic: Biology - Photosynthesis" {
		t.Errorf("unexpected context block: %q", block)
	}
}

type probedProvider struct {
	stubProvider
	healthy bool
	probes  int
}

func (p *probedProvider) Healthy(context.Context) bool {
	p.probes++
	return p.healthy
}

func TestPrimaryProbedAfterCooldown(t *testing.T) {
	primary := &probedProvider{stubProvider: stubProvider{name: "ollama", err: errors.New("down")}}
	secondary := &stubProvider{name: "cloud", answer: "ok"}
	svc, clock := newTestService(primary, secondary)

	svc.Answer(context.Background(), protocol.AIQuery{Text: "q1"})
	if primary.calls != 1 || primary.probes != 0 {
		t.Fatalf("first failure needs no probe: calls=%d probes=%d", primary.calls, primary.probes)
	}

	// Cool-down lapsed but the probe still fails: no query is spent on the
	// primary, and the cool-down restarts.
	primary.err = nil
	primary.answer = "recovered"
	*clock = clock.Add(61 * time.Second)
	resp := svc.Answer(context.Background(), protocol.AIQuery{Text: "q2"})
	if primary.probes != 1 {
		t.Errorf("lapsed cool-down must probe, got %d probes", primary.probes)
	}
	if primary.calls != 1 || resp.Source != "cloud" {
		t.Errorf("failed probe must keep the primary out: calls=%d source=%s", primary.calls, resp.Source)
	}

	// A restarted cool-down holds without further probes.
	*clock = clock.Add(30 * time.Second)
	svc.Answer(context.Background(), protocol.AIQuery{Text: "q3"})
	if primary.probes != 1 || primary.calls != 1 {
		t.Errorf("inside the restarted cool-down: probes=%d calls=%d", primary.probes, primary.calls)
	}

	// Once the probe passes, the primary serves again.
	primary.healthy = true
	*clock = clock.Add(31 * time.Second)
	resp = svc.Answer(context.Background(), protocol.AIQuery{Text: "q4"})
	if primary.calls != 2 || resp.Source != "ollama" || resp.Response != "recovered" {
		t.Errorf("passing probe must restore the primary: %+v calls=%d", resp, primary.calls)
	}
}
