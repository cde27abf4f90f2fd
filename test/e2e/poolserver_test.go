package e2e

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/streamharness/internal/model"
)

const seedYAML = `pools:
  streaming:
    - {key: live_a, server: rtmp://ingest.test/app}
    - {key: live_b, server: rtmp://ingest.test/app}
`

func TestPoolServerHealthzAndMetrics(t *testing.T) {
	bins := getBinaries(t)
	pp := startPoolServer(t, bins.poolserver)

	resp, err := http.Get(pp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "streamharness_pool_http_requests_total") {
		t.Error("metrics output missing streamharness_pool_http_requests_total")
	}
}

func TestPoolServerSeedAndLease(t *testing.T) {
	bins := getBinaries(t)
	seed := writeFile(t, "seed.yaml", seedYAML)
	pp := startPoolServer(t, bins.poolserver, "STREAMHARNESS_SEED_PATH="+seed)

	reserve := func() (*http.Response, model.Reservation) {
		t.Helper()
		resp, err := http.Post(pp.url+"/v1/pools/streaming/reservations", "application/json", strings.NewReader(`{"holder":"e2e"}`))
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		defer resp.Body.Close()
		var res model.Reservation
		if resp.StatusCode == http.StatusCreated {
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				t.Fatalf("decode reservation: %v", err)
			}
		}
		return resp, res
	}

	r1, a := reserve()
	r2, b := reserve()
	r3, _ := reserve()
	if r1.StatusCode != http.StatusCreated || r2.StatusCode != http.StatusCreated {
		t.Fatalf("statuses = %d, %d, want 201", r1.StatusCode, r2.StatusCode)
	}
	if a.UserID == b.UserID {
		t.Error("two live reservations share a user")
	}
	if r3.StatusCode != http.StatusConflict {
		t.Errorf("third reservation status = %d, want 409", r3.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, pp.url+"/v1/reservations/"+a.ID, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("release status = %d, want 204", del.StatusCode)
	}

	if r4, _ := reserve(); r4.StatusCode != http.StatusCreated {
		t.Errorf("reservation after release status = %d, want 201", r4.StatusCode)
	}
}

func TestPoolServerStructuredJSONLogs(t *testing.T) {
	bins := getBinaries(t)
	pp := startPoolServer(t, bins.poolserver)

	resp, err := http.Get(pp.url + "/v1/pools")
	if err != nil {
		t.Fatalf("GET /v1/pools: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if hasRequestLog(t, pp.stdout.String(), "/v1/pools") {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Errorf("no request log for /v1/pools in:\n%s", pp.stdout.String())
}

// hasRequestLog checks every line is JSON and one of them logs a request for path.
func hasRequestLog(t *testing.T, out, path string) bool {
	t.Helper()
	found := false
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %s", scanner.Text())
		}
		if entry["msg"] == "request" && entry["path"] == path {
			found = true
		}
	}
	return found
}
