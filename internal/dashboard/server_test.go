package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caseflowd/caseflow/internal/broker"
	"github.com/caseflowd/caseflow/internal/db"
	"github.com/caseflowd/caseflow/internal/models"
	"github.com/caseflowd/caseflow/internal/store"
)

type staticQueue struct {
	depth int64
}

func (q *staticQueue) Publish(ctx context.Context, queue string, env *broker.Envelope) error {
	return nil
}
func (q *staticQueue) Consume(ctx context.Context, queue string) (*broker.Delivery, error) {
	return nil, nil
}
func (q *staticQueue) Ack(ctx context.Context, d *broker.Delivery) error        { return nil }
func (q *staticQueue) Requeue(ctx context.Context, d *broker.Delivery) error    { return nil }
func (q *staticQueue) DeadLetter(ctx context.Context, d *broker.Delivery) error { return nil }
func (q *staticQueue) DLQDepth(ctx context.Context, queue string) (int64, error) {
	return q.depth, nil
}
func (q *staticQueue) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	dbPath := filepath.Join(t.TempDir(), "test_dashboard.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Init(); err != nil {
		t.Fatal(err)
	}

	st := store.New(database)
	srv := httptest.NewServer(NewServer(st, &staticQueue{depth: 3}, "conductor").Routes())
	t.Cleanup(srv.Close)
	return srv, st
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestCaseEndpoints(t *testing.T) {
	srv, st := newTestServer(t)

	st.AdmitCase("C1", "corr-1")
	st.AdvanceToStep("C1", "upload_files", nil, 50)
	st.AdmitCase("C2", "corr-2")

	var cases []models.Case
	if code := getJSON(t, srv.URL+"/v1/cases", &cases); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if len(cases) != 2 {
		t.Fatalf("want 2 cases, got %d", len(cases))
	}

	var c models.Case
	if code := getJSON(t, srv.URL+"/v1/cases/C1", &c); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if c.ID != "C1" || c.Status != models.CaseStatusProcessing {
		t.Fatalf("bad case detail: %+v", c)
	}

	if code := getJSON(t, srv.URL+"/v1/cases/ghost", &c); code != http.StatusNotFound {
		t.Fatalf("want 404 for unknown case, got %d", code)
	}

	var history []models.HistoryEntry
	if code := getJSON(t, srv.URL+"/v1/cases/C1/history", &history); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if len(history) != 2 {
		t.Fatalf("want 2 history entries, got %d", len(history))
	}
}

func TestGPUAndParkedEndpoints(t *testing.T) {
	srv, st := newTestServer(t)

	st.UpsertGPUMetrics(models.GPU{
		Index: 0, ID: "GPU-abc", Utilization: 12,
		MemoryUsed: 1024, MemoryTotal: 24576, Temperature: 55,
		UpdatedAt: time.Now().UTC(),
	})
	st.AdmitCase("C1", "corr-1")
	st.ParkForResource("C1", "run_sim")

	var gpus []models.GPU
	if code := getJSON(t, srv.URL+"/v1/gpus", &gpus); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if len(gpus) != 1 || gpus[0].State != models.GPUStateFree || gpus[0].Utilization != 12 {
		t.Fatalf("bad GPU list: %+v", gpus)
	}

	var parked []models.ParkedCase
	if code := getJSON(t, srv.URL+"/v1/parked", &parked); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if len(parked) != 1 || parked[0].CaseID != "C1" || parked[0].IntendedStep != "run_sim" {
		t.Fatalf("bad parked list: %+v", parked)
	}
}

func TestDLQAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var dlq struct {
		Queue string `json:"queue"`
		Depth int64  `json:"depth"`
	}
	if code := getJSON(t, srv.URL+"/v1/dlq", &dlq); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if dlq.Queue != "conductor" || dlq.Depth != 3 {
		t.Fatalf("bad DLQ response: %+v", dlq)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics endpoint: want 200, got %d", resp.StatusCode)
	}
}

func TestEmptyListsRenderAsArrays(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/cases")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "[]\n" {
		t.Fatalf("empty list must encode as [], got %q", body)
	}
}
