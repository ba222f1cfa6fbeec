// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package syncinternal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// TokenSource supplies the bearer token HTTPClient attaches to every request, for
// example internal/authgate's Gate.ActiveToken bound to one provider name.
type TokenSource func(ctx context.Context) (string, error)

// HTTPClient implements Client against the central server's REST sync endpoints
// (spec §6), modeled on the teacher's upstream API clients (internal/sync's use of
// *http.Client plus context-bound requests).
type HTTPClient struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

func NewHTTPClient(baseURL string, token TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   token,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return engineerrors.Wrap(engineerrors.KindUnauthorized, "get token", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindNetwork, "sync request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return engineerrors.New(engineerrors.KindUnauthorized, "sync server rejected credentials")
	}
	if resp.StatusCode >= 500 {
		return engineerrors.New(engineerrors.KindNetwork, fmt.Sprintf("sync server error: %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return engineerrors.New(engineerrors.KindValidation, fmt.Sprintf("sync request rejected: %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type pushRequest struct {
	ConfigID string                    `json:"configId"`
	Events   []storage.FormSubmission `json:"events"`
}

func (c *HTTPClient) Push(ctx context.Context, configID string, events []storage.FormSubmission) (PushResult, error) {
	var result PushResult
	err := c.do(ctx, http.MethodPost, "/v1/sync/push", pushRequest{ConfigID: configID, Events: events}, &result)
	return result, err
}

type pullResponse struct {
	Events             []storage.FormSubmission `json:"events"`
	Next               storage.Cursor           `json:"next"`
	HasMore            bool                      `json:"hasMore"`
	DuplicatesBlocking bool                      `json:"duplicatesBlocking"`
}

func (c *HTTPClient) Pull(ctx context.Context, configID string, since time.Time, cursor storage.Cursor, pageSize int) ([]storage.FormSubmission, storage.Cursor, bool, bool, error) {
	q := url.Values{}
	q.Set("configId", configID)
	q.Set("since", since.Format(time.RFC3339Nano))
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	if !cursor.IsZero() {
		q.Set("cursorTimestamp", cursor.Timestamp.Format(time.RFC3339Nano))
		q.Set("cursorGuid", cursor.GUID)
	}
	var resp pullResponse
	err := c.do(ctx, http.MethodGet, "/v1/sync/pull?"+q.Encode(), nil, &resp)
	if err != nil {
		return nil, storage.Cursor{}, false, false, err
	}
	return resp.Events, resp.Next, resp.HasMore, resp.DuplicatesBlocking, nil
}

type auditPushRequest struct {
	ConfigID string                     `json:"configId"`
	Entries  []storage.AuditLogEntry `json:"entries"`
}

func (c *HTTPClient) PushAuditLogs(ctx context.Context, configID string, entries []storage.AuditLogEntry) error {
	return c.do(ctx, http.MethodPost, "/v1/sync/audit/push", auditPushRequest{ConfigID: configID, Entries: entries}, nil)
}

type auditPullResponse struct {
	Entries []storage.AuditLogEntry `json:"entries"`
}

func (c *HTTPClient) PullAuditLogs(ctx context.Context, configID string, since time.Time) ([]storage.AuditLogEntry, error) {
	q := url.Values{}
	q.Set("configId", configID)
	q.Set("since", since.Format(time.RFC3339Nano))
	var resp auditPullResponse
	err := c.do(ctx, http.MethodGet, "/v1/sync/audit/pull?"+q.Encode(), nil, &resp)
	return resp.Entries, err
}

var _ Client = (*HTTPClient)(nil)
