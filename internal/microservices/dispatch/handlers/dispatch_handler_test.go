package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bakery-kds/internal/common/httpx"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/microservices/dispatch/service"
)

type stubService struct {
	got     domain.Order
	items   []domain.OrderItem
	result  service.DispatchResult
	err     error
	pending int
	failed  int
	status  map[string]domain.DispatchStatus
}

func (s *stubService) Dispatch(_ context.Context, o domain.Order, items []domain.OrderItem) (service.DispatchResult, error) {
	s.got, s.items = o, items
	return s.result, s.err
}

func (s *stubService) ProcessQueue(context.Context) (service.ProcessResult, error) {
	return service.ProcessResult{Processed: 2, Failed: 1}, nil
}

func (s *stubService) OrderStatus(_ context.Context, id string) (domain.DispatchStatus, bool) {
	st, ok := s.status[id]
	return st, ok
}

func (s *stubService) PendingCount(context.Context) (int, error) { return s.pending, nil }
func (s *stubService) FailedCount(context.Context) (int, error)  { return s.failed, nil }

func serve(t *testing.T, svc service.DispatchServiceInterface, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httpx.NewRouter(logger.NewWithWriter("http-test", io.Discard), nil)
	Register(r, New(svc))
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestDispatchEndpoint(t *testing.T) {
	const body = `{"order":{"id":"o1","order_number":"A-1","order_type":"dine_in","items":[{"id":"i1","product_name":"latte","quantity":1,"dispatch_station":"coffee"}]}}`
	tests := []struct {
		name     string
		body     string
		result   service.DispatchResult
		err      error
		wantCode int
		wantType string
	}{
		{
			name:     "dispatched",
			body:     body,
			result:   service.DispatchResult{Dispatched: []domain.Station{domain.StationBarista}, Queued: []domain.Station{}},
			wantCode: http.StatusOK,
		},
		{
			name:     "queued",
			body:     body,
			result:   service.DispatchResult{Dispatched: []domain.Station{}, Queued: []domain.Station{domain.StationBarista}},
			wantCode: http.StatusAccepted,
		},
		{
			name: "one station failed",
			body: body,
			result: service.DispatchResult{
				Dispatched: []domain.Station{domain.StationKitchen},
				Queued:     []domain.Station{},
				Failed:     []domain.Station{domain.StationBarista},
			},
			wantCode: http.StatusMultiStatus,
		},
		{
			name:     "zero quantity",
			body:     body,
			err:      fmt.Errorf("dispatch: %w: item i1 quantity 0", domain.ErrInvalidQuantity),
			wantCode: http.StatusBadRequest,
			wantType: "validation_error",
		},
		{name: "bad json", body: `{"order":`, wantCode: http.StatusBadRequest, wantType: "invalid_json"},
		{name: "missing id", body: `{"order":{}}`, wantCode: http.StatusBadRequest, wantType: "validation_error"},
		{
			name:     "no items",
			body:     `{"order":{"id":"o2"}}`,
			err:      fmt.Errorf("dispatch o2: %w", domain.ErrNoItems),
			wantCode: http.StatusUnprocessableEntity,
			wantType: "no_items",
		},
		{name: "store down", body: body, err: errors.New("disk full"), wantCode: http.StatusInternalServerError, wantType: "dispatch_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{result: tt.result, err: tt.err}
			rec := serve(t, svc, http.MethodPost, "/api/v1/dispatch", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantType == "" {
				if svc.got.ID != "o1" || len(svc.got.Items) != 1 {
					t.Errorf("service got order %+v", svc.got)
				}
				return
			}
			var problem map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
				t.Fatalf("decode problem: %v", err)
			}
			if problem["type"] != tt.wantType {
				t.Errorf("type = %v, want %s", problem["type"], tt.wantType)
			}
			if int(problem["status"].(float64)) != tt.wantCode {
				t.Errorf("status = %v", problem["status"])
			}
		})
	}
}

func TestStatusEndpoints(t *testing.T) {
	svc := &stubService{
		pending: 3,
		failed:  1,
		status:  map[string]domain.DispatchStatus{"o1": domain.DispatchDispatched},
	}

	rec := serve(t, svc, http.MethodGet, "/api/v1/dispatch/status", "")
	var counts struct{ Pending, Failed int }
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil || counts.Pending != 3 || counts.Failed != 1 {
		t.Fatalf("status = %s (%v)", rec.Body, err)
	}

	rec = serve(t, svc, http.MethodGet, "/api/v1/dispatch/orders/o1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"dispatched"`) {
		t.Fatalf("order status = %d %s", rec.Code, rec.Body)
	}
	rec = serve(t, svc, http.MethodGet, "/api/v1/dispatch/orders/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing order = %d", rec.Code)
	}

	rec = serve(t, svc, http.MethodPost, "/api/v1/dispatch/process", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"processed":2`) {
		t.Fatalf("process = %d %s", rec.Code, rec.Body)
	}

	rec = serve(t, svc, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
