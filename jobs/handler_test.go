package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type stubEnqueuer struct {
	calls int
	err   error
}

func (s *stubEnqueuer) EnqueueIntegrityScans(ctx context.Context) error {
	s.calls++
	return s.err
}

func newJobsRouter(scans ScanEnqueuer) chi.Router {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, scans, log).MountRoutes)
	return r
}

func TestScanEndpointEnqueuesBothIntegrityTasks(t *testing.T) {
	enq := &stubEnqueuer{}
	r := newJobsRouter(enq)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/scan", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, enq.calls)
	require.JSONEq(t, `{"enqueued":["integrity:ledger","integrity:stock"]}`, rec.Body.String())
}

func TestScanEndpointReportsQueueOutage(t *testing.T) {
	enq := &stubEnqueuer{err: errors.New("redis down")}
	r := newJobsRouter(enq)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/scan", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, 1, enq.calls)
}

func TestScanEndpointWithoutClient(t *testing.T) {
	r := newJobsRouter(nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/scan", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpointWithoutInspector(t *testing.T) {
	r := newJobsRouter(&stubEnqueuer{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rec.Body.String())
}
