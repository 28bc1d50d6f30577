package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tiger/internal/judge/model"
	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/logger"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// AuthedClient carries an access token. Obtain one from Client.Login.
type AuthedClient struct {
	*Client
	token     string
	expiresAt time.Time
}

func newAuthedClient(c *Client, token string) *AuthedClient {
	a := &AuthedClient{Client: c, token: token}
	// The signature is the coordinator's business; only exp is needed here.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			a.expiresAt = exp.Time
		}
	}
	return a
}

// Token returns the bearer token.
func (a *AuthedClient) Token() string {
	return a.token
}

// ExpiresAt returns the token expiry, or the zero time when unknown.
func (a *AuthedClient) ExpiresAt() time.Time {
	return a.expiresAt
}

// Expired reports whether the token expires within skew.
func (a *AuthedClient) Expired(skew time.Duration) bool {
	if a.expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(a.expiresAt)
}

func (a *AuthedClient) recordPath(domain, record string) string {
	return fmt.Sprintf("%s/domains/%s/records/%s", a.baseURL, url.PathEscape(domain), url.PathEscape(record))
}

func (a *AuthedClient) postJSON(ctx context.Context, op, endpoint string, body any) (envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return envelope{}, fmt.Errorf("encode %s body: %w", op, err)
	}
	return a.call(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request failed: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.token)
		return req, nil
	})
}

type claimRequest struct {
	TaskID string `json:"task_id"`
}

// Claim takes ownership of a record for taskID and returns the storage
// credentials for the job. An explicit refusal is fatal for the job; any
// credentials the coordinator still attached to the refusal are returned
// alongside the error so the rejection can be reported.
func (a *AuthedClient) Claim(ctx context.Context, domain, record, taskID string) (model.JobCredentials, error) {
	env, err := a.postJSON(ctx, "claim", a.recordPath(domain, record)+"/claim", claimRequest{TaskID: taskID})
	if err != nil {
		return model.JobCredentials{}, appErr.Wrapf(err, appErr.ClaimFailed, "failed to request to claim record")
	}
	if !env.ok() {
		var granted model.JobCredentials
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &granted) != nil {
			granted = model.JobCredentials{}
		}
		return granted, appErr.Newf(appErr.ClaimRejected, "failed to claim record with error code %s", env.ErrorCode).
			WithDetail("error_msg", env.ErrorMsg)
	}
	var creds model.JobCredentials
	if err := json.Unmarshal(env.Data, &creds); err != nil {
		return model.JobCredentials{}, appErr.Wrapf(err, appErr.ClaimRejected, "failed to decode claim credentials")
	}
	return creds, nil
}

type caseSubmit struct {
	State      model.Status `json:"state"`
	Score      int          `json:"score"`
	TimeMs     int64        `json:"time_ms"`
	MemoryKB   int64        `json:"memory_kb"`
	ReturnCode *int         `json:"return_code"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
}

// SubmitCase reports one case result.
func (a *AuthedClient) SubmitCase(ctx context.Context, domain, record string, caseIndex int, res model.ExecuteResult) error {
	body := caseSubmit{
		State:      res.Status,
		Score:      res.Score,
		TimeMs:     res.Command.Time,
		MemoryKB:   res.Command.Memory,
		ReturnCode: res.Command.ExitCode,
		Stdout:     strings.ToValidUTF8(string(res.Command.Stdout), "�"),
		Stderr:     strings.ToValidUTF8(string(res.Command.Stderr), "�"),
	}
	endpoint := fmt.Sprintf("%s/cases/%d/judge", a.recordPath(domain, record), caseIndex)
	env, err := a.postJSON(ctx, "submit_case", endpoint, body)
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmitFailed, "failed to request to submit case result")
	}
	if !env.ok() {
		return appErr.Newf(appErr.SubmitFailed, "failed to submit case result with error code %s", env.ErrorCode)
	}
	logger.Info(ctx, "case submitted", zap.String("endpoint", endpoint), zap.String("state", string(res.Status)))
	return nil
}

type recordSubmit struct {
	State    model.Status `json:"state"`
	Score    int          `json:"score"`
	TimeMs   int64        `json:"time_ms"`
	MemoryKB int64        `json:"memory_kb"`
	JudgedAt time.Time    `json:"judged_at"`
}

// SubmitRecord reports the aggregate result of a record.
func (a *AuthedClient) SubmitRecord(ctx context.Context, domain, record string, res model.SubmitResult) error {
	body := recordSubmit{
		State:    res.Status,
		Score:    res.Score(),
		TimeMs:   res.TimeMs(),
		MemoryKB: res.MemoryKB(),
		JudgedAt: res.JudgedAt.UTC(),
	}
	endpoint := a.recordPath(domain, record) + "/judge"
	env, err := a.postJSON(ctx, "submit_record", endpoint, body)
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmitFailed, "failed to request to submit record result")
	}
	if !env.ok() {
		return appErr.Newf(appErr.SubmitFailed, "failed to submit record result with error code %s", env.ErrorCode)
	}
	logger.Info(ctx, "record submitted", zap.String("endpoint", endpoint), zap.String("state", string(res.Status)))
	return nil
}
