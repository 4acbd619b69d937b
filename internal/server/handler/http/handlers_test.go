package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rakshanet/beacon/internal/models"
	"github.com/rakshanet/beacon/internal/tracker"
)

// mockTracker implements TrackerService with overridable behavior.
type mockTracker struct {
	storeLocation         func(ctx context.Context, p models.LocationPayload, extra map[string]any) (int64, error)
	storeSOS              func(ctx context.Context, p models.SOSPayload, extra map[string]any) (int64, error)
	storePanicAlert       func(ctx context.Context, p models.PanicPayload, extra map[string]any) (int64, error)
	storePanicRecording   func(ctx context.Context, meta models.RecordingPayload, audio []byte, extra map[string]any) (int64, error)
	cancelPanicAlert      func(ctx context.Context, id int64) (bool, error)
	cancelPanicRecordings func(ctx context.Context, identityKey string) (int64, error)
	setIdentity           func(input any) error
	startTracking         func(ctx context.Context, identityInput any, onUpdate func(models.AcceptedPosition)) error
	stopTracking          func()
	getStats              func(ctx context.Context) (tracker.Stats, error)
}

func (m *mockTracker) StoreLocation(ctx context.Context, p models.LocationPayload, extra map[string]any) (int64, error) {
	return m.storeLocation(ctx, p, extra)
}

func (m *mockTracker) StoreSOS(ctx context.Context, p models.SOSPayload, extra map[string]any) (int64, error) {
	return m.storeSOS(ctx, p, extra)
}

func (m *mockTracker) StorePanicAlert(ctx context.Context, p models.PanicPayload, extra map[string]any) (int64, error) {
	return m.storePanicAlert(ctx, p, extra)
}

func (m *mockTracker) StorePanicRecording(ctx context.Context, meta models.RecordingPayload, audio []byte, extra map[string]any) (int64, error) {
	return m.storePanicRecording(ctx, meta, audio, extra)
}

func (m *mockTracker) CancelPanicAlert(ctx context.Context, id int64) (bool, error) {
	return m.cancelPanicAlert(ctx, id)
}

func (m *mockTracker) CancelPanicRecordings(ctx context.Context, identityKey string) (int64, error) {
	return m.cancelPanicRecordings(ctx, identityKey)
}

func (m *mockTracker) SetIdentity(input any) error { return m.setIdentity(input) }

func (m *mockTracker) StartTracking(ctx context.Context, identityInput any, onUpdate func(models.AcceptedPosition)) error {
	return m.startTracking(ctx, identityInput, onUpdate)
}

func (m *mockTracker) StopTracking() { m.stopTracking() }

func (m *mockTracker) GetStats(ctx context.Context) (tracker.Stats, error) {
	return m.getStats(ctx)
}

func newTestServer(t *testing.T, mock *mockTracker, source *tracker.ChannelSource) *httptest.Server {
	t.Helper()
	h := &Handler{Tracker: mock, Source: source}
	router := NewRouter(h, prometheus.NewRegistry(), zap.NewNop())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStoreLocation(t *testing.T) {
	var gotPayload models.LocationPayload
	var gotExtra map[string]any
	mock := &mockTracker{
		storeLocation: func(ctx context.Context, p models.LocationPayload, extra map[string]any) (int64, error) {
			gotPayload = p
			gotExtra = extra
			return 11, nil
		},
	}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/location",
		`{"latitude":12.97,"longitude":77.59,"accuracy":8,"batteryLevel":44}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(11), decodeBody(t, resp)["id"])
	assert.InDelta(t, 12.97, gotPayload.Latitude, 1e-9)
	assert.InDelta(t, 8, gotPayload.Accuracy, 1e-9)
	// Unknown keys travel as opaque extension fields.
	assert.Equal(t, map[string]any{"batteryLevel": float64(44)}, gotExtra)
}

func TestStoreLocation_InvalidBody(t *testing.T) {
	mock := &mockTracker{}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/location", `{"latitude":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStoreLocation_RequiresJSONContentType(t *testing.T) {
	mock := &mockTracker{}
	srv := newTestServer(t, mock, nil)

	resp, err := http.Post(srv.URL+"/api/v1/location", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestStoreSOS(t *testing.T) {
	mock := &mockTracker{
		storeSOS: func(ctx context.Context, p models.SOSPayload, extra map[string]any) (int64, error) {
			assert.Equal(t, "help", p.Message)
			return 5, nil
		},
	}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/sos", `{"message":"help"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(5), decodeBody(t, resp)["id"])
}

func TestStorePanicAlert_StoreFailure(t *testing.T) {
	mock := &mockTracker{
		storePanicAlert: func(ctx context.Context, p models.PanicPayload, extra map[string]any) (int64, error) {
			return 0, errors.New("disk full")
		},
	}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/panic", `{"latitude":1}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStorePanicRecording(t *testing.T) {
	var gotMeta models.RecordingPayload
	var gotAudio []byte
	mock := &mockTracker{
		storePanicRecording: func(ctx context.Context, meta models.RecordingPayload, audio []byte, extra map[string]any) (int64, error) {
			gotMeta = meta
			gotAudio = audio
			return 3, nil
		},
	}
	srv := newTestServer(t, mock, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("triggeredAt", "2025-06-01T12:00:00Z"))
	require.NoError(t, w.WriteField("recordedAt", "2025-06-01T12:00:30Z"))
	part, err := w.CreateFormFile("recording", "alert.webm")
	require.NoError(t, err)
	audio := []byte{0x1a, 0x45, 0xdf, 0xa3}
	_, err = part.Write(audio)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, err := http.Post(srv.URL+"/api/v1/panic/recording", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "alert.webm", gotMeta.Filename)
	assert.Equal(t, "2025-06-01T12:00:00Z", gotMeta.TriggeredAt)
	assert.Equal(t, "2025-06-01T12:00:30Z", gotMeta.RecordedAt)
	assert.Equal(t, audio, gotAudio)
}

func TestStorePanicRecording_MissingFileField(t *testing.T) {
	mock := &mockTracker{}
	srv := newTestServer(t, mock, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("triggeredAt", "2025-06-01T12:00:00Z"))
	require.NoError(t, w.Close())

	resp, err := http.Post(srv.URL+"/api/v1/panic/recording", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelPanicAlert(t *testing.T) {
	mock := &mockTracker{
		cancelPanicAlert: func(ctx context.Context, id int64) (bool, error) {
			assert.Equal(t, int64(42), id)
			return true, nil
		},
	}
	srv := newTestServer(t, mock, nil)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/panic/42", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["cancelled"])
}

func TestCancelPanicAlert_InvalidID(t *testing.T) {
	mock := &mockTracker{}
	srv := newTestServer(t, mock, nil)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/panic/abc", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelPanicRecordings(t *testing.T) {
	mock := &mockTracker{
		cancelPanicRecordings: func(ctx context.Context, identityKey string) (int64, error) {
			assert.Equal(t, "WOMEN-7", identityKey)
			return 2, nil
		},
	}
	srv := newTestServer(t, mock, nil)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/panic/recordings/WOMEN-7", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), decodeBody(t, resp)["removed"])
}

func TestSetIdentity(t *testing.T) {
	mock := &mockTracker{
		setIdentity: func(input any) error { return nil },
	}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/identity", `{"userId":"7"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSetIdentity_Unresolvable(t *testing.T) {
	mock := &mockTracker{
		setIdentity: func(input any) error { return tracker.ErrInvalidIdentity },
	}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/identity", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartTracking(t *testing.T) {
	var gotInput any
	mock := &mockTracker{
		startTracking: func(ctx context.Context, identityInput any, onUpdate func(models.AcceptedPosition)) error {
			gotInput = identityInput
			return nil
		},
	}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/tracking/start", `{"userId":"7"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, map[string]any{"userId": "7"}, gotInput)
}

func TestStartTracking_UnresolvableIdentity(t *testing.T) {
	mock := &mockTracker{
		startTracking: func(ctx context.Context, identityInput any, onUpdate func(models.AcceptedPosition)) error {
			return tracker.ErrInvalidIdentity
		},
	}
	srv := newTestServer(t, mock, nil)

	resp := postJSON(t, srv.URL+"/api/v1/tracking/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopTracking(t *testing.T) {
	stopped := false
	mock := &mockTracker{
		stopTracking: func() { stopped = true },
	}
	srv := newTestServer(t, mock, nil)

	resp, err := http.Post(srv.URL+"/api/v1/tracking/stop", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, stopped)
}

func TestPushFix(t *testing.T) {
	source := tracker.NewChannelSource(1)
	srv := newTestServer(t, &mockTracker{}, source)

	resp := postJSON(t, srv.URL+"/api/v1/fix", `{"latitude":12.97,"longitude":77.59,"accuracy":10}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["buffered"])

	// Buffer full: the fix is dropped, not queued behind the sensor.
	resp = postJSON(t, srv.URL+"/api/v1/fix", `{"latitude":12.98,"longitude":77.59,"accuracy":10}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["buffered"])
}

func TestPushFix_NoSourceConfigured(t *testing.T) {
	srv := newTestServer(t, &mockTracker{}, nil)

	resp := postJSON(t, srv.URL+"/api/v1/fix", `{"latitude":1}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetStats(t *testing.T) {
	mock := &mockTracker{
		getStats: func(ctx context.Context) (tracker.Stats, error) {
			return tracker.Stats{PendingPanic: 1, IsOnline: true}, nil
		},
	}
	srv := newTestServer(t, mock, nil)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["pendingPanic"])
	assert.Equal(t, true, body["isOnline"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &mockTracker{}, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
