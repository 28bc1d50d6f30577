package coordinator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tiger/internal/judge/coordinator"
	"tiger/internal/judge/model"
	appErr "tiger/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

func fastConfig() coordinator.Config {
	return coordinator.Config{
		Username:        "judger",
		Password:        "secret",
		Timeout:         2 * time.Second,
		InitialInterval: time.Millisecond,
	}
}

func writeEnvelope(w http.ResponseWriter, code string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"error_code": code, "error_msg": "", "data": data})
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "judger", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("coordinator-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestLoginSendsPasswordGrant(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("response_type") != "json" {
			t.Errorf("missing response_type=json")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("username") != "judger" || r.PostForm.Get("password") != "secret" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		writeEnvelope(w, "Success", map[string]string{"access_token": token, "token_type": "bearer"})
	}))
	defer srv.Close()

	authed, err := coordinator.New(srv.URL, fastConfig()).Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if authed.Token() != token {
		t.Fatalf("unexpected token %q", authed.Token())
	}
	if authed.Expired(time.Minute) {
		t.Fatal("fresh token must not be expired")
	}
	if !authed.Expired(2 * time.Hour) {
		t.Fatal("token must expire within two hours")
	}
}

func TestLoginErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantMsg  string
		wantHits int32
	}{
		{
			name: "transport exhausted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantMsg:  "failed to request to login",
			wantHits: 3,
		},
		{
			name: "rejected credentials",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, "UsernamePasswordError", nil)
			},
			wantMsg:  "failed to login with error code UsernamePasswordError",
			wantHits: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			_, err := coordinator.New(srv.URL, fastConfig()).Login(context.Background())
			if err == nil || err.Error() != tt.wantMsg {
				t.Fatalf("expected %q, got %v", tt.wantMsg, err)
			}
			if appErr.KindOf(err) != appErr.KindWorkerReject {
				t.Fatalf("expected worker reject, got %s", appErr.KindOf(err))
			}
			if hits.Load() != tt.wantHits {
				t.Fatalf("expected %d attempts, got %d", tt.wantHits, hits.Load())
			}
		})
	}
}

func TestLoginRecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, "Success", map[string]string{"access_token": "opaque"})
	}))
	defer srv.Close()

	var retries atomic.Int32
	client := coordinator.New(srv.URL, fastConfig(), coordinator.WithRetryObserver(func(op string, _ error, _ time.Duration) {
		if op == "login" {
			retries.Add(1)
		}
	}))
	authed, err := client.Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if retries.Load() != 1 {
		t.Fatalf("expected one retry, got %d", retries.Load())
	}
	if authed.Expired(time.Hour) || !authed.ExpiresAt().IsZero() {
		t.Fatal("opaque token has no known expiry")
	}
}

type recordingServer struct {
	mu       sync.Mutex
	paths    []string
	bodies   []map[string]any
	auth     []string
	handlers map[string]func(w http.ResponseWriter)
}

func (rs *recordingServer) handle(path string, fn func(w http.ResponseWriter)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.handlers[path] = fn
}

func newRecordingServer(t *testing.T) (*recordingServer, *coordinator.AuthedClient) {
	t.Helper()
	rs := &recordingServer{handlers: make(map[string]func(w http.ResponseWriter))}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/auth/login") {
			writeEnvelope(w, "Success", map[string]string{"access_token": "tok"})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rs.mu.Lock()
		rs.paths = append(rs.paths, r.URL.Path)
		rs.bodies = append(rs.bodies, body)
		rs.auth = append(rs.auth, r.Header.Get("Authorization"))
		h := rs.handlers[r.URL.Path]
		rs.mu.Unlock()
		if h != nil {
			h(w)
			return
		}
		writeEnvelope(w, "Success", nil)
	}))
	t.Cleanup(srv.Close)
	authed, err := coordinator.New(srv.URL, fastConfig()).Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return rs, authed
}

func TestClaim(t *testing.T) {
	rs, authed := newRecordingServer(t)
	rs.handle("/api/v1/domains/d1/records/r1/claim", func(w http.ResponseWriter) {
		writeEnvelope(w, "Success", model.JobCredentials{
			AccessKeyID:           "ak",
			SecretAccessKey:       "sk",
			ProblemConfigRepoName: "problem",
			ProblemConfigCommitID: "c1",
			RecordRepoName:        "record",
			RecordCommitID:        "c2",
		})
	})
	creds, err := authed.Claim(context.Background(), "d1", "r1", "task-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if creds.AccessKeyID != "ak" || creds.RecordCommitID != "c2" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if rs.bodies[0]["task_id"] != "task-1" || rs.auth[0] != "Bearer tok" {
		t.Fatalf("unexpected claim request: %v %q", rs.bodies[0], rs.auth[0])
	}
}

func TestClaimRejectedIsFatal(t *testing.T) {
	rs, authed := newRecordingServer(t)
	rs.handle("/api/v1/domains/d1/records/r1/claim", func(w http.ResponseWriter) {
		writeEnvelope(w, "RecordNotFoundError", nil)
	})
	_, err := authed.Claim(context.Background(), "d1", "r1", "task-1")
	if !appErr.Is(err, appErr.ClaimRejected) || appErr.KindOf(err) != appErr.KindFatal {
		t.Fatalf("expected fatal claim rejection, got %v", err)
	}
}

func TestClaimRejectedKeepsGrantedCredentials(t *testing.T) {
	rs, authed := newRecordingServer(t)
	rs.handle("/api/v1/domains/d1/records/r1/claim", func(w http.ResponseWriter) {
		writeEnvelope(w, "RecordAlreadyJudgedError", model.JobCredentials{AccessKeyID: "ak", RecordRepoName: "record"})
	})
	creds, err := authed.Claim(context.Background(), "d1", "r1", "task-1")
	if !appErr.Is(err, appErr.ClaimRejected) {
		t.Fatalf("expected claim rejection, got %v", err)
	}
	if creds.Empty() || creds.AccessKeyID != "ak" {
		t.Fatalf("expected credentials from rejection payload, got %+v", creds)
	}
}

func TestClaimTransientFailureIsWorkerReject(t *testing.T) {
	var claims atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/auth/login") {
			writeEnvelope(w, "Success", map[string]string{"access_token": "tok"})
			return
		}
		claims.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	authed, err := coordinator.New(srv.URL, fastConfig()).Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	creds, err := authed.Claim(context.Background(), "d1", "r1", "task-1")
	if !appErr.Is(err, appErr.ClaimFailed) || appErr.KindOf(err) != appErr.KindWorkerReject {
		t.Fatalf("expected worker reject claim failure, got %v", err)
	}
	if !creds.Empty() {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if got := claims.Load(); got != 3 {
		t.Fatalf("expected 3 claim attempts, got %d", got)
	}
}

func TestSubmitCase(t *testing.T) {
	rs, authed := newRecordingServer(t)
	code := 0
	res := model.ExecuteResult{
		Index:  2,
		Status: model.StatusAccepted,
		Score:  10,
		Command: model.CompletedCommand{
			ExitCode: &code,
			Stdout:   []byte("3\n"),
			Stderr:   []byte{},
			Time:     15,
			Memory:   1024,
		},
	}
	if err := authed.SubmitCase(context.Background(), "d1", "r1", 2, res); err != nil {
		t.Fatalf("submit case: %v", err)
	}
	if rs.paths[0] != "/api/v1/domains/d1/records/r1/cases/2/judge" {
		t.Fatalf("unexpected path %s", rs.paths[0])
	}
	body := rs.bodies[0]
	if body["state"] != "accepted" || body["score"] != float64(10) || body["time_ms"] != float64(15) ||
		body["memory_kb"] != float64(1024) || body["return_code"] != float64(0) || body["stdout"] != "3\n" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSubmitCaseTimedOutHasNullReturnCode(t *testing.T) {
	rs, authed := newRecordingServer(t)
	res := model.ExecuteResult{Status: model.StatusTimeLimitExceeded, Command: model.CompletedCommand{TimedOut: true}}
	if err := authed.SubmitCase(context.Background(), "d1", "r1", 0, res); err != nil {
		t.Fatalf("submit case: %v", err)
	}
	if v, ok := rs.bodies[0]["return_code"]; !ok || v != nil {
		t.Fatalf("expected null return_code, got %v", rs.bodies[0])
	}
}

func TestSubmitCaseFailureIsWorkerReject(t *testing.T) {
	rs, authed := newRecordingServer(t)
	rs.handle("/api/v1/domains/d1/records/r1/cases/0/judge", func(w http.ResponseWriter) {
		writeEnvelope(w, "Error", nil)
	})
	err := authed.SubmitCase(context.Background(), "d1", "r1", 0, model.ExecuteResult{})
	if appErr.KindOf(err) != appErr.KindWorkerReject {
		t.Fatalf("expected worker reject, got %v", err)
	}
}

func TestSubmitRecordAggregates(t *testing.T) {
	rs, authed := newRecordingServer(t)
	judgedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	res := model.SubmitResult{
		Status:   model.StatusWrongAnswer,
		JudgedAt: judgedAt,
		Cases: []model.ExecuteResult{
			{Score: 10, Command: model.CompletedCommand{Time: 5, Memory: 300}},
			{Score: 0, Command: model.CompletedCommand{Time: 7, Memory: 900}},
		},
	}
	if err := authed.SubmitRecord(context.Background(), "d1", "r1", res); err != nil {
		t.Fatalf("submit record: %v", err)
	}
	body := rs.bodies[0]
	if rs.paths[0] != "/api/v1/domains/d1/records/r1/judge" {
		t.Fatalf("unexpected path %s", rs.paths[0])
	}
	if body["state"] != "wrong_answer" || body["score"] != float64(10) || body["time_ms"] != float64(12) || body["memory_kb"] != float64(900) {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["judged_at"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected judged_at %v", body["judged_at"])
	}
}

func TestCallStopsOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	cfg := fastConfig()
	cfg.InitialInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, err := coordinator.New(srv.URL, cfg).Login(ctx); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("login ignored context cancellation")
	}
}
