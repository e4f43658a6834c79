package aggregator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/registry"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transcription"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
}

func (c *fakeConn) SendMessage(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) types() []protocol.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Type, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.MessageType()
	}
	return out
}

func (c *fakeConn) last() protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

func (c *fakeConn) lastRanking() (protocol.Ranking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if r, ok := c.msgs[i].(protocol.Ranking); ok {
			return r, true
		}
	}
	return protocol.Ranking{}, false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

type fakeTranscriber struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &transcription.Response{ChunkID: req.Chunk.ChunkID, SourceID: req.Chunk.SourceID, Text: f.text}, nil
}

func (f *fakeTranscriber) Name() string { return "fake" }
func (f *fakeTranscriber) Close() error { return nil }

func testHubConfig() HubConfig {
	return HubConfig{
		Chunking: audio.ChunkingConfig{
			MinDuration:        200 * time.Millisecond,
			MaxDuration:        10 * time.Second,
			MinSilenceDuration: 50 * time.Millisecond,
			SampleRate:         protocol.AudioSampleRate,
			Format:             "wav",
		},
		// Tests drive silence checks by hand
		SilenceCheckInterval: time.Hour,
		CleanupInterval:      time.Hour,
		TranscriptionTimeout: time.Second,
	}
}

func newTestHub(t *testing.T, tr transcription.Transcriber) *Hub {
	t.Helper()
	h := NewHub(newTestAggregator(), tr, testHubConfig(), testLogger(), nil)
	t.Cleanup(h.Stop)
	return h
}

// frame returns d of 16 kHz PCM16 audio
func frame(d time.Duration) []byte {
	n := int(d * protocol.AudioSampleRate / time.Second)
	return make([]byte, n*2)
}

func equalTypes(got, want []protocol.Type) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestHubObserverReceivesRoster(t *testing.T) {
	h := newTestHub(t, nil)

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, hello("a", "Desk"))
	h.HandleMessage(src, report("a", -20, true))
	h.Aggregator().Handle(protocol.Transcript{ID: "a", Text: "earlier words"})

	obsConn := &fakeConn{}
	obs := h.NewPeer(obsConn)
	h.HandleMessage(obs, protocol.Hello{Role: protocol.RoleAggregator})

	want := []protocol.Type{
		protocol.TypeReset,
		protocol.TypeHello,
		protocol.TypeMetrics,
		protocol.TypeTranscript,
		protocol.TypeRanking,
	}
	if got := obsConn.types(); !equalTypes(got, want) {
		t.Fatalf("Expected roster %v, got %v", want, got)
	}

	ranking := obsConn.last().(protocol.Ranking)
	if len(ranking.Order) != 1 || ranking.Order[0].ID != "a" || ranking.Order[0].DB != -20 {
		t.Errorf("Unexpected ranking: %+v", ranking)
	}
	if h.GetStats().Observers != 1 {
		t.Errorf("Expected 1 observer, got %d", h.GetStats().Observers)
	}
}

func TestHubBroadcastsSourceUpdates(t *testing.T) {
	h := newTestHub(t, nil)

	obsConn := &fakeConn{}
	h.HandleMessage(h.NewPeer(obsConn), protocol.Hello{Role: protocol.RoleAggregator})
	obsConn.reset()

	srcConn := &fakeConn{}
	src := h.NewPeer(srcConn)
	h.HandleMessage(src, hello("a", "Desk"))
	h.HandleMessage(src, report("a", -33.333, true))

	want := []protocol.Type{protocol.TypeHello, protocol.TypeRanking, protocol.TypeMetrics, protocol.TypeRanking}
	if got := obsConn.types(); !equalTypes(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	obsConn.mu.Lock()
	m := obsConn.msgs[2].(protocol.Metrics)
	obsConn.mu.Unlock()
	if m.DB != -33.3 {
		t.Errorf("Expected rounded db -33.3, got %v", m.DB)
	}

	// Sources receive rankings only
	for _, typ := range srcConn.types() {
		if typ != protocol.TypeRanking {
			t.Errorf("Source received unexpected %s", typ)
		}
	}
	ranking := srcConn.last().(protocol.Ranking)
	if len(ranking.Order) == 0 || ranking.Order[0].ID != "a" {
		t.Errorf("Expected source to be ranked first, got %+v", ranking)
	}
}

func TestHubBindsMetricsToHelloID(t *testing.T) {
	h := newTestHub(t, nil)

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, report("a", -20, true))
	if h.Aggregator().Registry().Len() != 0 {
		t.Fatal("Metrics before hello must be ignored")
	}

	h.HandleMessage(src, hello("a", ""))
	h.HandleMessage(src, report("impostor", -10, true))

	if _, ok := h.Aggregator().Registry().Get("impostor"); ok {
		t.Error("Metrics must not create records for other ids")
	}
	rec, _ := h.Aggregator().Registry().Get("a")
	if rec.DB != -10 || !rec.Speaking {
		t.Errorf("Expected metrics applied to a, got %+v", rec)
	}

	// A second hello with another id is ignored
	h.HandleMessage(src, hello("b", ""))
	if _, ok := h.Aggregator().Registry().Get("b"); ok {
		t.Error("Peer must not change its id")
	}
}

func TestHubTranscribesOnClose(t *testing.T) {
	tr := &fakeTranscriber{text: "hello world"}
	h := newTestHub(t, tr)

	obsConn := &fakeConn{}
	h.HandleMessage(h.NewPeer(obsConn), protocol.Hello{Role: protocol.RoleAggregator})

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, hello("a", "Desk"))
	for i := 0; i < 5; i++ {
		h.HandleAudio(src, frame(100*time.Millisecond))
	}
	h.ClosePeer(src)
	h.Stop()

	if tr.calls.Load() != 1 {
		t.Fatalf("Expected 1 transcription, got %d", tr.calls.Load())
	}

	rec, ok := h.Aggregator().Registry().Get("a")
	if !ok {
		t.Fatal("Record must survive disconnect")
	}
	if rec.Transcript != "hello world" {
		t.Errorf("Expected transcript, got %q", rec.Transcript)
	}

	tm, ok := obsConn.last().(protocol.Transcript)
	if !ok || tm.Text != "hello world" || tm.ID != "a" || !tm.Final {
		t.Errorf("Expected transcript broadcast, got %+v", obsConn.last())
	}
	if h.GetStats().Sources != 0 {
		t.Errorf("Expected no sessions, got %d", h.GetStats().Sources)
	}
}

func TestHubTranscriptionError(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("backend down")}
	h := newTestHub(t, tr)

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, hello("a", ""))
	h.HandleAudio(src, frame(300*time.Millisecond))
	h.ClosePeer(src)
	h.Stop()

	rec, _ := h.Aggregator().Registry().Get("a")
	if !strings.HasPrefix(rec.Transcript, "[transcription error:") || !strings.Contains(rec.Transcript, "backend down") {
		t.Errorf("Expected bracketed error transcript, got %q", rec.Transcript)
	}
}

func TestHubSilenceClosesChunk(t *testing.T) {
	tr := &fakeTranscriber{text: "first"}
	h := newTestHub(t, tr)

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, hello("a", ""))

	// Too short: discarded
	h.HandleAudio(src, frame(100*time.Millisecond))
	h.checkSilence(time.Now().Add(time.Second))

	// Long enough: transcribed
	for i := 0; i < 3; i++ {
		h.HandleAudio(src, frame(100*time.Millisecond))
	}
	h.checkSilence(time.Now().Add(time.Second))
	h.transcribeWG.Wait()

	info := h.Sessions()
	if len(info) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(info))
	}
	if info[0].ChunksDiscarded != 1 {
		t.Errorf("Expected 1 discarded chunk, got %d", info[0].ChunksDiscarded)
	}
	if info[0].ChunksGenerated != 1 || info[0].ChunksSuccessful != 1 {
		t.Errorf("Unexpected chunk stats: %+v", info[0])
	}
	if info[0].FramesReceived != 4 {
		t.Errorf("Expected 4 frames, got %d", info[0].FramesReceived)
	}
	if tr.calls.Load() != 1 {
		t.Errorf("Expected 1 transcription, got %d", tr.calls.Load())
	}
}

func TestHubReset(t *testing.T) {
	h := newTestHub(t, nil)

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, hello("a", ""))

	// Sources cannot reset
	h.HandleMessage(src, protocol.Reset{})
	if h.Aggregator().Registry().Len() != 1 {
		t.Fatal("Reset from a source must be ignored")
	}

	obsConn := &fakeConn{}
	obs := h.NewPeer(obsConn)
	h.HandleMessage(obs, protocol.Hello{Role: protocol.RoleAggregator})
	h.HandleMessage(obs, protocol.Reset{})

	if h.Aggregator().Registry().Len() != 0 {
		t.Error("Expected registry to be cleared")
	}
	if _, ok := obsConn.last().(protocol.Reset); !ok {
		t.Errorf("Expected reset broadcast, got %+v", obsConn.last())
	}
}

func TestHubDropsClosedObservers(t *testing.T) {
	h := newTestHub(t, nil)

	obsConn := &fakeConn{}
	h.HandleMessage(h.NewPeer(obsConn), protocol.Hello{Role: protocol.RoleAggregator})
	obsConn.Close()

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, hello("a", ""))

	if h.GetStats().Observers != 0 {
		t.Errorf("Expected closed observer to be removed, got %d", h.GetStats().Observers)
	}
}

func TestHubExpiresIdleSources(t *testing.T) {
	h := NewHub(newTestAggregator(), nil, HubConfig{SessionTimeout: time.Minute, SilenceCheckInterval: time.Hour, CleanupInterval: time.Hour}, testLogger(), nil)
	defer h.Stop()

	conn := &fakeConn{}
	src := h.NewPeer(conn)
	h.HandleMessage(src, hello("a", ""))

	h.expireIdle(time.Now())
	if conn.closed {
		t.Fatal("Fresh session must not expire")
	}

	h.expireIdle(time.Now().Add(2 * time.Minute))
	if !conn.closed {
		t.Error("Idle session should be disconnected")
	}
}

func TestHubSourceDisconnectReleasesClosest(t *testing.T) {
	h := newTestHub(t, nil)

	obsConn := &fakeConn{}
	h.HandleMessage(h.NewPeer(obsConn), protocol.Hello{Role: protocol.RoleAggregator})

	aConn, bConn := &fakeConn{}, &fakeConn{}
	a, b := h.NewPeer(aConn), h.NewPeer(bConn)
	h.HandleMessage(a, hello("a", "Desk"))
	h.HandleMessage(b, hello("b", "Window"))
	h.HandleMessage(a, report("a", -30, true))
	h.HandleMessage(b, report("b", -50, true))

	if got := h.Aggregator().Registry().Closest(); got != "a" {
		t.Fatalf("Expected a closest before disconnect, got %q", got)
	}
	obsConn.reset()

	h.ClosePeer(a)

	if got := h.Aggregator().Registry().Closest(); got != "b" {
		t.Errorf("Expected b closest after a left, got %q", got)
	}

	rec, ok := h.Aggregator().Registry().Get("a")
	if !ok {
		t.Fatal("Record must survive disconnect")
	}
	if rec.Speaking || rec.IsClosest {
		t.Errorf("Departed source must not be speaking or closest: %+v", rec)
	}

	ranking, ok := bConn.lastRanking()
	if !ok || len(ranking.Order) != 1 || ranking.Order[0].ID != "b" {
		t.Errorf("Expected b ranked alone, got %+v", ranking)
	}

	want := []protocol.Type{protocol.TypeMetrics, protocol.TypeRanking}
	if got := obsConn.types(); !equalTypes(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	obsConn.mu.Lock()
	m := obsConn.msgs[0].(protocol.Metrics)
	obsConn.mu.Unlock()
	if m.ID != "a" || m.Speaking || m.DB != -30 {
		t.Errorf("Unexpected departure metrics: %+v", m)
	}

	// Later reports from the remaining source keep it closest
	h.HandleMessage(b, report("b", -48, true))
	if got := h.Aggregator().Registry().Closest(); got != "b" {
		t.Errorf("Expected b to stay closest, got %q", got)
	}
}

func TestHubRankingsFollowRegistry(t *testing.T) {
	h := newTestHub(t, nil)

	obsConn := &fakeConn{}
	h.HandleMessage(h.NewPeer(obsConn), protocol.Hello{Role: protocol.RoleAggregator})

	ids := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for n, id := range ids {
		p := h.NewPeer(&fakeConn{})
		h.HandleMessage(p, hello(id, ""))

		wg.Add(1)
		go func(p *Peer, id string, offset float64) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h.HandleMessage(p, report(id, -80+float64(i%50)+offset, i%3 != 0))
			}
		}(p, id, float64(n)*0.25)
	}
	wg.Wait()

	got, ok := obsConn.lastRanking()
	if !ok {
		t.Fatal("Observer received no ranking")
	}
	want := toProtocolOrder(h.Aggregator().Registry().RankingOrder())
	if len(got.Order) != len(want) {
		t.Fatalf("Expected final ranking %+v, got %+v", want, got.Order)
	}
	for i := range want {
		if got.Order[i] != want[i] {
			t.Fatalf("Expected final ranking %+v, got %+v", want, got.Order)
		}
	}
}

func TestHubStopDropsLateChunks(t *testing.T) {
	tr := &fakeTranscriber{text: "late"}
	h := newTestHub(t, tr)

	src := h.NewPeer(&fakeConn{})
	h.HandleMessage(src, hello("a", ""))

	// Audio keeps arriving while the hub shuts down
	feeding := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for {
			select {
			case <-feeding:
				return
			default:
			}
			for i := 0; i < 3; i++ {
				h.HandleAudio(src, frame(100*time.Millisecond))
			}
			h.checkSilence(time.Now().Add(time.Second))
		}
	}()

	time.Sleep(20 * time.Millisecond)
	h.Stop()
	close(feeding)
	<-fed

	calls := tr.calls.Load()
	for i := 0; i < 5; i++ {
		h.HandleAudio(src, frame(100*time.Millisecond))
	}
	h.ClosePeer(src)

	if got := tr.calls.Load(); got != calls {
		t.Errorf("Expected no transcriptions after stop, got %d more", got-calls)
	}
}

func TestLocalSink(t *testing.T) {
	h := newTestHub(t, nil)
	sink := h.OpenLocal()

	var (
		mu       sync.Mutex
		received []protocol.Message
	)
	sink.SetReceiver(func(msg protocol.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	if err := sink.SendMessage(hello("local", "Built-in")); err != nil {
		t.Fatalf("Failed to send hello: %v", err)
	}
	if err := sink.SendMessage(report("local", -12, true)); err != nil {
		t.Fatalf("Failed to send metrics: %v", err)
	}
	if err := sink.SendAudio(frame(20 * time.Millisecond)); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}
	if err := sink.SendAudio([]byte{1}); err == nil {
		t.Error("Expected odd frame to be rejected")
	}

	if got := h.Aggregator().Registry().Closest(); got != "local" {
		t.Errorf("Expected local source closest, got %q", got)
	}

	mu.Lock()
	if len(received) == 0 {
		t.Error("Expected rankings delivered to the source")
	} else if r, ok := received[len(received)-1].(protocol.Ranking); !ok || r.Order[0].ID != "local" {
		t.Errorf("Unexpected delivery: %+v", received[len(received)-1])
	}
	mu.Unlock()

	sink.Close()
	if err := sink.SendMessage(report("local", -12, true)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
	if h.GetStats().Sources != 0 {
		t.Errorf("Expected session removed, got %d", h.GetStats().Sources)
	}
	if h.Aggregator().Registry().Len() != 1 {
		t.Error("Record must persist after the source leaves")
	}
}

func TestHubRejectsAnonymousSource(t *testing.T) {
	h := newTestHub(t, nil)
	sink := h.OpenLocal()
	defer sink.Close()

	sink.SendMessage(protocol.Hello{Role: protocol.RoleSource, DeviceLabel: "No id"})
	sink.SendMessage(report("", -10, true))

	if n := len(h.Sessions()); n != 0 {
		t.Errorf("Expected no sessions, got %d", n)
	}
	if n := h.Aggregator().Registry().Len(); n != 0 {
		t.Errorf("Expected empty registry, got %d records", n)
	}
}

func TestMirrorReplicatesHub(t *testing.T) {
	h := newTestHub(t, nil)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeConn(transport.New(ws, transport.Config{}, testLogger()))
	}))
	defer server.Close()

	sink := h.OpenLocal()
	sink.SendMessage(hello("a", "Desk"))
	sink.SendMessage(report("a", -30, true))

	conn, err := transport.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), transport.Config{}, testLogger())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	replica := New(registry.New(), testLogger(), nil)
	mirror := NewMirror(replica, "viewer", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx, conn) }()

	waitFor(t, func() bool { return replica.Registry().Closest() == "a" })

	sink.SendMessage(report("b", -10, true)) // bound to "a"
	sink2 := h.OpenLocal()
	sink2.SendMessage(hello("b", "Window"))
	sink2.SendMessage(report("b", -10, true))

	waitFor(t, func() bool { return replica.Registry().Closest() == "b" })

	rec, _ := replica.Registry().Get("b")
	if rec.Label != "Window" {
		t.Errorf("Expected label to be replicated, got %q", rec.Label)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Mirror returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Mirror did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}
