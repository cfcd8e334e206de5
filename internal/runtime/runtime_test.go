package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/config"
	"github.com/loqalabs/loqa-cassette/internal/presence"
	"github.com/loqalabs/loqa-cassette/internal/protocol"
	"github.com/loqalabs/loqa-cassette/internal/wavio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Audio = config.AudioConfig{Backend: "headless", SampleRate: 8000, Channels: 1, FramesPerBuffer: 80, MaxVoices: 2}
	cfg.Cassette.RecordSeconds = 1
	cfg.Cassette.ExportDir = filepath.Join(dir, "exports")
	cfg.Captions = config.CaptionsConfig{Path: filepath.Join(dir, "captions.db"), RetentionMode: "persistent"}
	cfg.Constants = config.ConstantsConfig{Path: filepath.Join(dir, "constants.yaml"), ReloadIntervalMS: 50}

	if err := os.WriteFile(cfg.Constants.Path, []byte("cassette_record_noise: 0\n"), 0o644); err != nil {
		t.Fatalf("write constants: %v", err)
	}
	knock := filepath.Join(dir, "knock.wav")
	if err := wavio.Save(knock, wavio.Clip{Samples: []float32{0.5, -0.5, 0.25, 0}, SampleRate: 8000, Channels: 1}); err != nil {
		t.Fatalf("write sound: %v", err)
	}
	cfg.Sounds = []config.SoundConfig{
		{ID: 5, Path: knock, Captions: "'knock' (0, 1)"},
		{ID: 6, Path: filepath.Join(dir, "missing.wav")},
	}
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(cfg, newLogger())
	if err := r.setup(ctx); err != nil {
		cancel()
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.teardown()
		r.wg.Wait()
	})
	return r
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestSetupLoadsSoundsAndCaptions(t *testing.T) {
	r := startRuntime(t, testConfig(t, t.TempDir()))
	if !r.deck.HasSound(5) {
		t.Fatalf("expected sound 5 registered")
	}
	if r.deck.HasSound(6) {
		t.Fatalf("missing wav should be skipped")
	}
	if got := r.captions.GetAnnotation(5, 0.5); got != annotation.Some("knock") {
		t.Fatalf("caption lookup = %v", got)
	}
	if r.node == nil {
		t.Fatalf("expected audio node running")
	}
	if r.consts.Path() == "" {
		t.Fatalf("expected file-backed constants")
	}
}

func TestMissingConstantsFileUsesDefaults(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Constants.Path = filepath.Join(t.TempDir(), "absent.yaml")
	r := startRuntime(t, cfg)
	if r.consts.Path() != "" {
		t.Fatalf("expected static constants")
	}
}

func TestHTTPEndpoints(t *testing.T) {
	r := startRuntime(t, testConfig(t, t.TempDir()))
	srv := httptest.NewServer(r.routes())
	t.Cleanup(srv.Close)

	if code := getJSON(t, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start = %d", code)
	}
	r.ready.Store(true)
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}

	var st protocol.Status
	if code := getJSON(t, srv.URL+"/v1/status", &st); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if st.State != "paused" {
		t.Fatalf("unexpected state %q", st.State)
	}

	var single waveformResponse
	if code := getJSON(t, srv.URL+"/v1/waveform?pos=0.5", &single); code != http.StatusOK {
		t.Fatalf("waveform = %d", code)
	}
	if single.Value == nil || *single.Value != 0 {
		t.Fatalf("blank tape should read 0, got %+v", single)
	}

	var overview waveformResponse
	if code := getJSON(t, srv.URL+"/v1/waveform?points=4", &overview); code != http.StatusOK {
		t.Fatalf("overview = %d", code)
	}
	if len(overview.Points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(overview.Points))
	}

	if code := getJSON(t, srv.URL+"/v1/decks", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("decks without bus = %d", code)
	}

	for _, bad := range []string{"/v1/waveform", "/v1/waveform?pos=x", "/v1/waveform?points=0"} {
		if code := getJSON(t, srv.URL+bad, nil); code != http.StatusBadRequest {
			t.Fatalf("%s = %d, want 400", bad, code)
		}
	}
}

func TestExport(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	r := startRuntime(t, cfg)
	srv := httptest.NewServer(r.routes())
	t.Cleanup(srv.Close)

	if code := getJSON(t, srv.URL+"/v1/export", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET export = %d", code)
	}

	resp, err := http.Post(srv.URL+"/v1/export", "application/json", nil)
	if err != nil {
		t.Fatalf("POST export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("export = %d", resp.StatusCode)
	}
	var out exportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID == "" || filepath.Dir(out.Path) != cfg.Cassette.ExportDir {
		t.Fatalf("unexpected export %+v", out)
	}

	clip, err := wavio.Load(out.Path)
	if err != nil {
		t.Fatalf("load export: %v", err)
	}
	if clip.SampleRate != 8000 || clip.Frames() != 8000 || out.Samples != 8000 {
		t.Fatalf("unexpected export clip: rate=%d frames=%d samples=%d", clip.SampleRate, clip.Frames(), out.Samples)
	}
}

func TestCaptionsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Sounds = nil

	ctx, cancel := context.WithCancel(context.Background())
	first := New(cfg, newLogger())
	if err := first.setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	a, err := annotation.Parse("'saved' (1, 2)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := first.captionDB.Add(ctx, 11, a); err != nil {
		t.Fatalf("add: %v", err)
	}
	cancel()
	first.teardown()
	first.wg.Wait()

	second := startRuntime(t, cfg)
	if got := second.captions.GetAnnotation(11, 1.5); got != annotation.Some("saved") {
		t.Fatalf("caption after restart = %v", got)
	}
}

func TestBusEnabledRuntimeAnnouncesDeck(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Bus = config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: filepath.Join(dir, "nats"), ConnectTimeout: 2000}
	cfg.Presence = config.PresenceConfig{ID: "deck-test", HeartbeatInterval: 30, HeartbeatTimeout: 120}

	r := startRuntime(t, cfg)
	r.ready.Store(true)
	srv := httptest.NewServer(r.routes())
	t.Cleanup(srv.Close)

	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var decks []presence.DeckInfo
		if code := getJSON(t, srv.URL+"/v1/decks?healthy=true", &decks); code != http.StatusOK {
			t.Fatalf("decks = %d", code)
		}
		if len(decks) == 1 && decks[0].ID == "deck-test" && decks[0].State == "paused" {
			if len(decks[0].Sounds) != 1 || decks[0].Sounds[0] != 5 {
				t.Fatalf("expected announced sound 5, got %v", decks[0].Sounds)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("deck never reported its heartbeat: %+v", decks)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDeckAttributes(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.Backend = "oto"
	cfg.Presence.ID = "studio-a"

	got := map[string]string{}
	for _, kv := range deckAttributes(cfg) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":        cfg.RuntimeName,
		"service.instance.id": "studio-a",
		"cassette.deck_id":    "studio-a",
		"audio.backend":       "oto",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}

	cfg.Presence.ID = " "
	for _, kv := range deckAttributes(cfg) {
		if kv.Key == "cassette.deck_id" {
			t.Fatalf("blank deck id should not be reported")
		}
	}
}
