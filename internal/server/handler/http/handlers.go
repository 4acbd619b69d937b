// Package http provides the local producer-facing API: the out-of-scope
// UI layer stores events, pushes raw fixes and polls queue status through
// these handlers. Send errors never surface here; the UI only observes
// eventual state via the stats endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rakshanet/beacon/internal/models"
	"github.com/rakshanet/beacon/internal/tracker"
)

// TrackerService defines the producer operations required by the Handler.
type TrackerService interface {
	StoreLocation(ctx context.Context, p models.LocationPayload, extra map[string]any) (int64, error)
	StoreSOS(ctx context.Context, p models.SOSPayload, extra map[string]any) (int64, error)
	StorePanicAlert(ctx context.Context, p models.PanicPayload, extra map[string]any) (int64, error)
	StorePanicRecording(ctx context.Context, meta models.RecordingPayload, audio []byte, extra map[string]any) (int64, error)
	CancelPanicAlert(ctx context.Context, id int64) (bool, error)
	CancelPanicRecordings(ctx context.Context, identityKey string) (int64, error)
	SetIdentity(input any) error
	StartTracking(ctx context.Context, identityInput any, onUpdate func(models.AcceptedPosition)) error
	StopTracking()
	GetStats(ctx context.Context) (tracker.Stats, error)
}

// Handler handles the local producer API requests.
type Handler struct {
	Tracker TrackerService
	// Source receives raw position fixes pushed by the UI; nil when the
	// deployment has no continuous tracking.
	Source *tracker.ChannelSource
}

// maxBodySize bounds JSON bodies; recordings go through the multipart
// path with its own limit.
const maxBodySize = 1 << 20

const maxRecordingSize = 32 << 20

// decodeSplit unmarshals the body twice: once into the typed payload and
// once into a map, then strips the typed keys so the remainder travels
// as opaque extension fields (the remote contract forwards them verbatim).
func decodeSplit(r *http.Request, typed any, knownKeys ...string) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, typed); err != nil {
		return nil, err
	}
	all := map[string]any{}
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, err
	}
	for _, k := range knownKeys {
		delete(all, k)
	}
	return all, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StoreLocation handles POST /api/v1/location.
func (h *Handler) StoreLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPayload
	extra, err := decodeSplit(r, &p, "latitude", "longitude", "accuracy", "source")
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id, err := h.Tracker.StoreLocation(r.Context(), p, extra)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// StoreSOS handles POST /api/v1/sos.
func (h *Handler) StoreSOS(w http.ResponseWriter, r *http.Request) {
	var p models.SOSPayload
	extra, err := decodeSplit(r, &p, "latitude", "longitude", "message")
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id, err := h.Tracker.StoreSOS(r.Context(), p, extra)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// StorePanicAlert handles POST /api/v1/panic.
func (h *Handler) StorePanicAlert(w http.ResponseWriter, r *http.Request) {
	var p models.PanicPayload
	extra, err := decodeSplit(r, &p, "latitude", "longitude", "triggeredAt")
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id, err := h.Tracker.StorePanicAlert(r.Context(), p, extra)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// StorePanicRecording handles POST /api/v1/panic/recording as multipart
// form data with the audio under the "recording" field.
func (h *Handler) StorePanicRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRecordingSize); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("recording")
	if err != nil {
		http.Error(w, "missing recording field", http.StatusBadRequest)
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(io.LimitReader(file, maxRecordingSize))
	if err != nil {
		http.Error(w, "failed to read recording", http.StatusBadRequest)
		return
	}

	meta := models.RecordingPayload{
		Filename:    header.Filename,
		MimeType:    header.Header.Get("Content-Type"),
		TriggeredAt: r.FormValue("triggeredAt"),
		RecordedAt:  r.FormValue("recordedAt"),
	}
	id, err := h.Tracker.StorePanicRecording(r.Context(), meta, audio, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// CancelPanicAlert handles DELETE /api/v1/panic/{id}.
func (h *Handler) CancelPanicAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	cancelled, err := h.Tracker.CancelPanicAlert(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// CancelPanicRecordings handles DELETE /api/v1/panic/recordings/{identity}.
func (h *Handler) CancelPanicRecordings(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "identity")
	if key == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}
	removed, err := h.Tracker.CancelPanicRecordings(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// SetIdentity handles POST /api/v1/identity. The body is the loose
// identity shape; unresolvable identities are rejected synchronously.
func (h *Handler) SetIdentity(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&input); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.Tracker.SetIdentity(input); err != nil {
		if errors.Is(err, tracker.ErrInvalidIdentity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartTracking handles POST /api/v1/tracking/start. The body is the
// identity the session runs under. The watch outlives the request, so it
// is bound to the process context, not the request context.
func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&input); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.Tracker.StartTracking(context.Background(), input, nil); err != nil {
		if errors.Is(err, tracker.ErrInvalidIdentity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopTracking handles POST /api/v1/tracking/stop.
func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	h.Tracker.StopTracking()
	w.WriteHeader(http.StatusNoContent)
}

// PushFix handles POST /api/v1/fix: one raw position sample from the
// device sensor, fed into the plausibility filter.
func (h *Handler) PushFix(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		http.Error(w, "position watching not enabled", http.StatusConflict)
		return
	}
	var sample struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Accuracy  float64 `json:"accuracy"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&sample); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	accepted := h.Source.Push(models.PositionSample{
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Accuracy:  sample.Accuracy,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"buffered": accepted})
}

// GetStats handles GET /api/v1/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Tracker.GetStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
