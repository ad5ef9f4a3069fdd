package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetConnected(t *testing.T) {
	SetConnected(true)
	if got := testutil.ToFloat64(StoreConnected); got != 1 {
		t.Fatalf("connected gauge = %v, want 1", got)
	}
	SetConnected(false)
	if got := testutil.ToFloat64(StoreConnected); got != 0 {
		t.Fatalf("connected gauge = %v, want 0", got)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 204: "2xx", 302: "3xx", 404: "4xx", 429: "4xx", 503: "5xx"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	MessagesSent.Inc()
	ObserveRequest("/api/messages", http.StatusCreated, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"chat_messages_sent_total", "chat_http_request_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
