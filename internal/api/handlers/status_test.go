package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/classifier"
	"github.com/langchou/geotrackd/internal/health"
	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository/memstore"
	"github.com/langchou/geotrackd/internal/source"
	"github.com/langchou/geotrackd/internal/trip"
)

func TestGetStatusReportsLatestSignals(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	mem := memstore.New()

	cls := classifier.New(logger, classifier.Config{
		ActivityStaleness:     2 * time.Minute,
		VehicleStaleness:      2 * time.Minute,
		MotionStaleness:       time.Minute,
		MinActivityConfidence: 0.5,
		MinPublishConfidence:  0.6,
	}, mem.Events)
	seg := trip.New(logger, trip.Config{DeviceID: "device-1", PurgeInterval: time.Hour}, mem.Trips, mem.Events)
	push := source.NewPushSource()

	h := NewHandler(logger, "device-1", health.NewCell(), nil, cls, seg, nil, push, nil,
		mem.Trips, mem.Events, mem.Alerts, mem.Geofences, mem.Triggers, nil)

	push.PushActivity(models.ModeWalking, 0.8)
	push.SetCarAudioPaired(true)

	r := gin.New()
	r.GET("/api/status", h.GetStatus)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		DeviceID string `json:"device_id"`
		Signals  struct {
			CarAudioPaired bool `json:"car_audio_paired"`
			CarModeActive  bool `json:"car_mode_active"`
			Activity       *struct {
				Mode       models.TransportationMode `json:"mode"`
				Confidence float64                   `json:"confidence"`
			} `json:"activity"`
			Motion *json.RawMessage `json:"motion"`
		} `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "device-1", resp.DeviceID)
	assert.True(t, resp.Signals.CarAudioPaired)
	assert.False(t, resp.Signals.CarModeActive)
	require.NotNil(t, resp.Signals.Activity)
	assert.Equal(t, models.ModeWalking, resp.Signals.Activity.Mode)
	assert.InDelta(t, 0.8, resp.Signals.Activity.Confidence, 1e-9)
	assert.Nil(t, resp.Signals.Motion, "no motion pushed yet")
}
