package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerServesMetrics(t *testing.T) {
	Placements.WithLabelValues("NO_HOST").Inc()
	Drains.WithLabelValues("terminate").Inc()

	if got := testutil.ToFloat64(Placements.WithLabelValues("NO_HOST")); got < 1 {
		t.Errorf("expected the counter to be incremented, got %v", got)
	}

	server := httptest.NewServer(Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"whist_scaling_service_placements_total",
		"whist_scaling_service_drains_total",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}
}
