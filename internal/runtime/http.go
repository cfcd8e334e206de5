package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-cassette/internal/control"
	"github.com/loqalabs/loqa-cassette/internal/presence"
	"github.com/loqalabs/loqa-cassette/internal/wavio"
)

const (
	queryTimeout    = 2 * time.Second
	maxOverviewSize = 10000
)

type waveformResponse struct {
	Pos    *float64  `json:"pos,omitempty"`
	Value  *float32  `json:"value,omitempty"`
	Points []float32 `json:"points,omitempty"`
}

type exportResponse struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Samples int    `json:"samples"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("/v1/status", r.handleStatus)
	mux.HandleFunc("/v1/waveform", r.handleWaveform)
	mux.HandleFunc("/v1/export", r.handleExport)
	mux.HandleFunc("/v1/decks", r.handleDecks)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, control.StatusMessage(r.deck.Status()))
}

// handleWaveform answers ?pos=F with one sample or ?points=N with an overview
// of the active tape.
func (r *Runtime) handleWaveform(w http.ResponseWriter, req *http.Request) {
	if r.node == nil {
		http.Error(w, "audio is not running", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), queryTimeout)
	defer cancel()

	q := req.URL.Query()
	if raw := q.Get("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxOverviewSize {
			http.Error(w, fmt.Sprintf("points must be between 1 and %d", maxOverviewSize), http.StatusBadRequest)
			return
		}
		points := make([]float32, n)
		if err := r.deck.Overview(ctx, points); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, waveformResponse{Points: points})
		return
	}

	pos, err := strconv.ParseFloat(q.Get("pos"), 64)
	if err != nil {
		http.Error(w, "pos or points is required", http.StatusBadRequest)
		return
	}
	value, err := r.deck.Waveform(ctx, pos)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, waveformResponse{Pos: &pos, Value: &value})
}

// handleExport writes the active tape to a new WAV file in the export
// directory.
func (r *Runtime) handleExport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.node == nil {
		http.Error(w, "audio is not running", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), queryTimeout)
	defer cancel()

	tape := make([]float32, r.cfg.BufferSize())
	n, err := r.deck.Snapshot(ctx, tape)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if err := os.MkdirAll(r.cfg.Cassette.ExportDir, 0o755); err != nil {
		r.logger.Error("failed to create export dir", slogError(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	id := uuid.NewString()
	path := filepath.Join(r.cfg.Cassette.ExportDir, id+".wav")
	clip := wavio.Clip{Samples: tape[:n], SampleRate: r.cfg.Audio.SampleRate, Channels: 1}
	if err := wavio.Save(path, clip); err != nil {
		r.logger.Error("failed to export tape", slogError(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	r.logger.Info("tape exported", slog.String("path", path), slog.Int("samples", n))
	writeJSON(w, http.StatusCreated, exportResponse{ID: id, Path: path, Samples: n})
}

// handleDecks lists the decks seen on the bus. ?healthy=true drops stale ones.
func (r *Runtime) handleDecks(w http.ResponseWriter, req *http.Request) {
	if r.presence == nil {
		http.Error(w, "bus is disabled", http.StatusServiceUnavailable)
		return
	}
	var filter func(presence.DeckInfo) bool
	if req.URL.Query().Get("healthy") == "true" {
		filter = presence.HealthyOnly
	}
	writeJSON(w, http.StatusOK, r.presence.Query(filter))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
