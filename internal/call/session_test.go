// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqui-im/realtime/internal/media"
	"github.com/loqui-im/realtime/internal/wire"
	"github.com/pion/webrtc/v4"
)

type fakeSender struct {
	mu     sync.Mutex
	events []wire.Event
}

func (s *fakeSender) Send(ev wire.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *fakeSender) byType(t wire.EventType) []wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeTrack struct {
	kind media.Kind

	mu      sync.Mutex
	enabled bool
	stops   int
}

func (t *fakeTrack) Kind() media.Kind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeProvider struct {
	gate chan struct{} // when non-nil, GetUserMedia blocks until closed
	err  error

	mu     sync.Mutex
	tracks []*fakeTrack
}

func (p *fakeProvider) GetUserMedia(ctx context.Context, withVideo bool) (*media.Stream, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}

	tracks := []*fakeTrack{{kind: media.Audio, enabled: true}}
	if withVideo {
		tracks = append(tracks, &fakeTrack{kind: media.Video, enabled: true})
	}
	p.mu.Lock()
	p.tracks = append(p.tracks, tracks...)
	p.mu.Unlock()

	streamTracks := make([]media.Track, len(tracks))
	for i, t := range tracks {
		streamTracks[i] = t
	}
	return media.NewStream(streamTracks...), nil
}

func (p *fakeProvider) NewPeerConnection(webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return nil, errors.New("not used with fake peers")
}

func (p *fakeProvider) allTracks() []*fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeTrack(nil), p.tracks...)
}

type fakePeer struct {
	mu     sync.Mutex
	seq    []string
	closed int
}

func (p *fakePeer) StartNegotiation() error {
	p.mu.Lock()
	p.seq = append(p.seq, "start")
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) HandleSignal(sig signalPayload) error {
	p.mu.Lock()
	p.seq = append(p.seq, "signal:"+sig.Type)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) sequence() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seq...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type testRig struct {
	sender   *fakeSender
	provider *fakeProvider
	engine   *Engine

	mu    sync.Mutex
	peers []*fakePeer
}

func newTestRig(provider *fakeProvider) *testRig {
	r := &testRig{
		sender:   &fakeSender{},
		provider: provider,
	}
	r.engine = NewEngine(r.sender, provider, nil)
	r.engine.newPeer = func(s *Session, stream *media.Stream) (peerLink, error) {
		p := &fakePeer{}
		r.mu.Lock()
		r.peers = append(r.peers, p)
		r.mu.Unlock()
		return p, nil
	}
	return r
}

func (r *testRig) peerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *testRig) peer(i int) *fakePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decodeCallEnd(t *testing.T, ev wire.Event) wire.CallEnd {
	t.Helper()
	var ce wire.CallEnd
	if err := ev.DecodeData(&ce); err != nil {
		t.Fatalf("decoding call_end: %v", err)
	}
	return ce
}

func TestMediaFailureTerminatesWithoutNegotiating(t *testing.T) {
	rig := newTestRig(&fakeProvider{err: errors.New("permission denied")})

	term := make(chan EndReason, 1)
	s, err := rig.engine.StartCall(context.Background(), "c1", KindAudio, Callbacks{
		OnTerminated: func(_ *Session, r EndReason) { term <- r },
	})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	select {
	case r := <-term:
		if r != ReasonMediaFailure {
			t.Fatalf("expected media failure, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session never terminated")
	}

	if s.State() != StateTerminated {
		t.Fatalf("expected Terminated, got %v", s.State())
	}
	if rig.peerCount() != 0 {
		t.Fatalf("peer connection was created despite media failure")
	}
	if got := len(rig.sender.byType(wire.EventCallEnd)); got != 1 {
		t.Fatalf("expected exactly one call_end, got %d", got)
	}
	if _, ok := rig.engine.Session("c1"); ok {
		t.Fatalf("terminated session still registered")
	}
}

func TestTeardownExactlyOnceAcrossRacingTriggers(t *testing.T) {
	rig := newTestRig(&fakeProvider{})

	term := make(chan EndReason, 8)
	s, err := rig.engine.StartCall(context.Background(), "c1", KindVideo, Callbacks{
		OnTerminated: func(_ *Session, r EndReason) { term <- r },
	})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "negotiating", func() bool { return s.State() == StateNegotiating })

	var wg sync.WaitGroup
	for _, trigger := range []func(){
		s.HangUp,
		s.Close,
		func() { s.peerFailed(errors.New("ice failed")) },
	} {
		wg.Add(1)
		go func(fire func()) {
			defer wg.Done()
			fire()
		}(trigger)
	}
	wg.Wait()

	<-term
	select {
	case r := <-term:
		t.Fatalf("terminated twice (second reason %v)", r)
	case <-time.After(100 * time.Millisecond):
	}

	if got := len(rig.sender.byType(wire.EventCallEnd)); got != 1 {
		t.Fatalf("expected exactly one call_end, got %d", got)
	}
	if got := rig.peer(0).closeCount(); got != 1 {
		t.Fatalf("peer closed %d times", got)
	}
	for _, tr := range rig.provider.allTracks() {
		if tr.stopCount() != 1 {
			t.Fatalf("track %s stopped %d times", tr.kind, tr.stopCount())
		}
	}
}

func TestHangUpDuringMediaAcquisitionDiscardsLateResult(t *testing.T) {
	gate := make(chan struct{})
	rig := newTestRig(&fakeProvider{gate: gate})

	term := make(chan EndReason, 1)
	s, err := rig.engine.StartCall(context.Background(), "c1", KindAudio, Callbacks{
		OnTerminated: func(_ *Session, r EndReason) { term <- r },
	})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	s.HangUp()
	if r := <-term; r != ReasonHangUp {
		t.Fatalf("expected hang up, got %v", r)
	}

	// Acquisition completes after the session died; the result must be
	// released, not resurrect the session.
	close(gate)
	waitFor(t, "late stream release", func() bool {
		tracks := rig.provider.allTracks()
		if len(tracks) == 0 {
			return false
		}
		for _, tr := range tracks {
			if tr.stopCount() != 1 {
				return false
			}
		}
		return true
	})

	if rig.peerCount() != 0 {
		t.Fatalf("peer created for a terminated session")
	}
	if s.State() != StateTerminated {
		t.Fatalf("session resurrected: %v", s.State())
	}
	if got := len(rig.sender.byType(wire.EventCallEnd)); got != 1 {
		t.Fatalf("expected exactly one call_end, got %d", got)
	}
}

func TestSignalsBufferedUntilPeerReadyInArrivalOrder(t *testing.T) {
	gate := make(chan struct{})
	rig := newTestRig(&fakeProvider{gate: gate})

	s, err := rig.engine.StartCall(context.Background(), "c1", KindAudio, Callbacks{})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	s.Signal(signalPayload{Type: "answer", SID: s.sid})
	s.Signal(signalPayload{Type: "candidate", SID: s.sid})
	close(gate)

	waitFor(t, "negotiating", func() bool { return s.State() == StateNegotiating })
	waitFor(t, "peer fed", func() bool { return len(rig.peer(0).sequence()) == 3 })

	seq := rig.peer(0).sequence()
	want := []string{"signal:answer", "signal:candidate", "start"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("sequence mismatch: got %v want %v", seq, want)
		}
	}
}

// slowPeer stalls inside the first HandleSignal so a concurrent Signal can
// race the buffered drain.
type slowPeer struct {
	fakePeer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *slowPeer) HandleSignal(sig signalPayload) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
	return p.fakePeer.HandleSignal(sig)
}

func TestSignalDuringBufferedDrainKeepsArrivalOrder(t *testing.T) {
	gate := make(chan struct{})
	rig := newTestRig(&fakeProvider{gate: gate})
	sp := &slowPeer{entered: make(chan struct{}), release: make(chan struct{})}
	rig.engine.newPeer = func(*Session, *media.Stream) (peerLink, error) { return sp, nil }

	s, err := rig.engine.StartCall(context.Background(), "c1", KindAudio, Callbacks{})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	s.Signal(signalPayload{Type: "answer", SID: s.sid})
	close(gate)

	select {
	case <-sp.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("buffered drain never started")
	}

	// Arrives while the buffered answer is still being delivered; it must
	// queue behind it, not overtake it.
	s.Signal(signalPayload{Type: "candidate", SID: s.sid})
	close(sp.release)

	waitFor(t, "all signals delivered", func() bool { return len(sp.sequence()) == 3 })
	seq := sp.sequence()
	want := []string{"signal:answer", "signal:candidate", "start"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("sequence mismatch: got %v want %v", seq, want)
		}
	}
	s.HangUp()
}

func TestStaleSignalForEarlierCallDropped(t *testing.T) {
	rig := newTestRig(&fakeProvider{})

	s, err := rig.engine.StartCall(context.Background(), "c1", KindAudio, Callbacks{})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "negotiating", func() bool { return s.State() == StateNegotiating })
	before := len(rig.peer(0).sequence())

	s.Signal(signalPayload{Type: "candidate", SID: "some-older-call"})
	time.Sleep(50 * time.Millisecond)

	if got := len(rig.peer(0).sequence()); got != before {
		t.Fatalf("stale signal was delivered: %v", rig.peer(0).sequence())
	}
}

func TestMuteAppliedToLateAcquiredMedia(t *testing.T) {
	gate := make(chan struct{})
	rig := newTestRig(&fakeProvider{gate: gate})

	s, err := rig.engine.StartCall(context.Background(), "c1", KindVideo, Callbacks{})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	s.SetMuted(true)
	close(gate)
	waitFor(t, "negotiating", func() bool { return s.State() == StateNegotiating })

	for _, tr := range rig.provider.allTracks() {
		switch tr.kind {
		case media.Audio:
			if tr.Enabled() {
				t.Fatalf("audio track still enabled after mute")
			}
		case media.Video:
			if !tr.Enabled() {
				t.Fatalf("video track unexpectedly disabled")
			}
		}
	}

	s.SetVideoDisabled(true)
	for _, tr := range rig.provider.allTracks() {
		if tr.kind == media.Video && tr.Enabled() {
			t.Fatalf("video track still enabled after disable")
		}
	}
	if !s.Muted() || !s.VideoDisabled() {
		t.Fatalf("toggle flags not recorded")
	}
	s.HangUp()
}

func TestNegotiatingBeforeRemoteStream(t *testing.T) {
	rig := newTestRig(&fakeProvider{})

	s, err := rig.engine.StartCall(context.Background(), "c7", KindVideo, Callbacks{})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "negotiating", func() bool { return s.State() == StateNegotiating })

	// No remote stream yet: still "Calling…", but the duration clock is
	// already running from attempt start.
	if s.Remote() != nil {
		t.Fatalf("unexpected remote stream")
	}
	s.mu.Lock()
	running := s.durDone != nil
	s.mu.Unlock()
	if !running {
		t.Fatalf("duration ticker not running while negotiating")
	}
	s.HangUp()
}

func TestHangUpReportsMeasuredDuration(t *testing.T) {
	rig := newTestRig(&fakeProvider{})
	s := newSession(rig.engine, "c7", RoleInitiator, KindAudio, "sid-1", Callbacks{})
	s.startedAt = time.Now().Add(-42 * time.Second)

	s.HangUp()

	ends := rig.sender.byType(wire.EventCallEnd)
	if len(ends) != 1 {
		t.Fatalf("expected exactly one call_end, got %d", len(ends))
	}
	ce := decodeCallEnd(t, ends[0])
	if ce.ConversationID != "c7" || ce.Duration != 42 {
		t.Fatalf("unexpected call_end payload: %+v", ce)
	}
}

func TestDuplicateCallInConversationRejected(t *testing.T) {
	rig := newTestRig(&fakeProvider{})

	s, err := rig.engine.StartCall(context.Background(), "c1", KindAudio, Callbacks{})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := rig.engine.StartCall(context.Background(), "c1", KindAudio, Callbacks{}); err == nil {
		t.Fatalf("second call in same conversation accepted")
	}
	s.HangUp()
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{0, "00:00"},
		{7, "00:07"},
		{42, "00:42"},
		{60, "01:00"},
		{3665, "61:05"},
		{-3, "00:00"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.seconds); got != c.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}
