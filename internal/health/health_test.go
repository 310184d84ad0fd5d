package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notify-relay/internal/conntable"
)

type stubRegistry struct {
	connected     bool
	lastRoundTrip time.Time
}

func (s *stubRegistry) Connected() bool          { return s.connected }
func (s *stubRegistry) LastRoundTrip() time.Time { return s.lastRoundTrip }

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLivenessHealthy(t *testing.T) {
	reg := &stubRegistry{connected: true, lastRoundTrip: time.Now()}
	r := NewReporter(conntable.New(), reg, func() bool { return false }, time.Minute)

	rec := httptest.NewRecorder()
	r.Liveness(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["registryConnected"])
	assert.Equal(t, float64(0), body["connectionCount"])
	assert.NotEmpty(t, body["version"])
}

func TestLivenessUnhealthyAfterWindow(t *testing.T) {
	// Last round trip older than the window: the orchestrator should
	// restart this instance.
	reg := &stubRegistry{connected: true, lastRoundTrip: time.Now().Add(-2 * time.Minute)}
	r := NewReporter(conntable.New(), reg, func() bool { return false }, time.Minute)

	rec := httptest.NewRecorder()
	r.Liveness(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		draining  bool
		wantReady bool
	}{
		{"ready", true, false, true},
		{"draining", true, true, false},
		{"store down", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &stubRegistry{connected: tt.connected, lastRoundTrip: time.Now()}
			r := NewReporter(conntable.New(), reg, func() bool { return tt.draining }, time.Minute)

			rec := httptest.NewRecorder()
			r.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil))

			body := decode(t, rec)
			assert.Equal(t, tt.wantReady, body["ready"])
			if tt.wantReady {
				assert.Equal(t, 200, rec.Code)
			} else {
				assert.Equal(t, 503, rec.Code)
			}

			checks := body["checks"].(map[string]any)
			assert.Equal(t, tt.connected, checks["registry"])
			assert.Equal(t, !tt.draining, checks["server"])
		})
	}
}

func TestLivenessCountsConnections(t *testing.T) {
	table := conntable.New()
	table.Register("c1", nil)
	table.Register("c2", nil)

	reg := &stubRegistry{connected: true, lastRoundTrip: time.Now()}
	r := NewReporter(table, reg, func() bool { return false }, time.Minute)

	rec := httptest.NewRecorder()
	r.Liveness(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, float64(2), decode(t, rec)["connectionCount"])
}
