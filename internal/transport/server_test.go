package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/Polqt/yrelay/internal/actor"
)

type fakeBrokerHealth struct{ healthy bool }

func (f fakeBrokerHealth) Healthy() bool { return f.healthy }

func TestHandleHealthzOKWithNoBrokerWired(t *testing.T) {
	s := NewServer(actor.NewRegistry(nil), zap.NewNop())
	w := httptest.NewRecorder()
	s.handleHealthz(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, w.Code)
}

func TestHandleHealthzReflectsBrokerHealth(t *testing.T) {
	s := NewServer(actor.NewRegistry(nil), zap.NewNop(), WithBrokerHealth(fakeBrokerHealth{healthy: false}))
	w := httptest.NewRecorder()
	s.handleHealthz(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, w.Code)

	s2 := NewServer(actor.NewRegistry(nil), zap.NewNop(), WithBrokerHealth(fakeBrokerHealth{healthy: true}))
	w2 := httptest.NewRecorder()
	s2.handleHealthz(w2, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, w2.Code)
}

func TestDocNameFromRequestPrefersQueryParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/ignored-path?doc=my-doc", nil)
	assert.Equal(t, "my-doc", docNameFromRequest(r))
}

func TestDocNameFromRequestFallsBackToPathSegment(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/my-doc", nil)
	assert.Equal(t, "my-doc", docNameFromRequest(r))
}

func TestDocNameFromRequestEmptyWhenNeitherPresent(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.Equal(t, "", docNameFromRequest(r))
}
