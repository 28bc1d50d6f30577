package controller_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tiger/internal/judge/controller"
	"tiger/internal/judge/model"
	"tiger/internal/judge/service"
	appErr "tiger/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeTasks map[string]model.TaskSnapshot

func (f fakeTasks) Get(_ context.Context, taskID string) (model.TaskSnapshot, error) {
	snap, ok := f[taskID]
	if !ok {
		return model.TaskSnapshot{}, appErr.New(appErr.NotFound).WithMessage("task not found")
	}
	return snap, nil
}

type fakeActive []service.ActiveTask

func (f fakeActive) Active() []service.ActiveTask { return f }

type envelope struct {
	Code appErr.ErrorCode `json:"code"`
	Data json.RawMessage  `json:"data"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(checks map[string]controller.HealthCheck) *gin.Engine {
	r := gin.New()
	tasks := fakeTasks{"t1": {TaskID: "t1", State: model.TaskCompiled, Attempt: 1}}
	active := fakeActive{{TaskID: "t1", StartedAt: time.Unix(0, 0)}}
	controller.NewJudgeController(tasks, active, checks).Register(r)
	return r
}

func serve(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetTask(t *testing.T) {
	r := newRouter(nil)

	rec := serve(r, "/api/v1/tasks/t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var snap model.TaskSnapshot
	if err := json.Unmarshal(body.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if body.Code != appErr.Success || snap.State != model.TaskCompiled {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}

	rec = serve(r, "/api/v1/tasks/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListActive(t *testing.T) {
	rec := serve(newRouter(nil), "/api/v1/tasks")
	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var active []service.ActiveTask
	if err := json.Unmarshal(body.Data, &active); err != nil {
		t.Fatalf("decode active: %v", err)
	}
	if len(active) != 1 || active[0].TaskID != "t1" {
		t.Fatalf("unexpected active list %s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }
	tests := []struct {
		name   string
		checks map[string]controller.HealthCheck
		want   int
	}{
		{name: "no checks", want: http.StatusOK},
		{name: "all ok", checks: map[string]controller.HealthCheck{"redis": ok, "queue": ok}, want: http.StatusOK},
		{name: "one down", checks: map[string]controller.HealthCheck{"redis": ok, "docker": down}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(newRouter(tt.checks), "/healthz")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealthChecksHaveSeparateDeadlines(t *testing.T) {
	t.Parallel()
	checks := map[string]controller.HealthCheck{
		"a-stuck": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		"b-redis": func(ctx context.Context) error {
			return ctx.Err()
		},
	}
	rec := serve(newRouter(checks), "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["b-redis"] != "ok" || body.Checks["a-stuck"] == "ok" {
		t.Fatalf("slow check must not spend the next check's deadline: %v", body.Checks)
	}
}
