// internal/clients/client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/blob"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/integrity"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/linkage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/membership"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/tithe"
)

// APIError is a non-2xx response. It matches the domain error for its status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tsoam api: %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return records.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusBadRequest:
		return domain.ErrInvalid
	case http.StatusServiceUnavailable:
		return storage.ErrUnavailable
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithActor stamps every request with the acting user.
func WithActor(a domain.Actor) Option {
	return func(c *Client) { c.actor = a }
}

// WithRetries sets how many times a read is retried after a 503 or transport error.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// Client talks to a running tsoam server.
type Client struct {
	baseURL string
	http    *http.Client
	actor   domain.Actor
	retries uint64
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/") + "/api/v1", http: http.DefaultClient, retries: 2}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) GetMember(ctx context.Context, id string) (*domain.FullMember, error) {
	var m domain.FullMember
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) CreateMember(ctx context.Context, in membership.FullMemberInput) (*domain.FullMember, error) {
	var m domain.FullMember
	if err := c.do(ctx, http.MethodPost, "/members", in, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) GetEmployee(ctx context.Context, id string) (*domain.Employee, error) {
	var e domain.Employee
	if err := c.do(ctx, http.MethodGet, "/employees/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) RecordTithe(ctx context.Context, in tithe.RecordInput) (*domain.TitheRecord, error) {
	var t domain.TitheRecord
	if err := c.do(ctx, http.MethodPost, "/tithes", in, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) MemberTithes(ctx context.Context, memberID string) ([]domain.TitheRecord, error) {
	var out []domain.TitheRecord
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(memberID)+"/tithes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Link(ctx context.Context, employeeID, memberID, notes string) (*linkage.LinkResult, error) {
	req := struct {
		EmployeeID string `json:"employee_id"`
		MemberID   string `json:"member_id"`
		Notes      string `json:"notes"`
	}{employeeID, memberID, notes}
	var res linkage.LinkResult
	if err := c.do(ctx, http.MethodPost, "/links", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Unlink(ctx context.Context, employeeID, reason string) (*linkage.LinkResult, error) {
	req := struct {
		Reason string `json:"reason"`
	}{reason}
	var res linkage.LinkResult
	if err := c.do(ctx, http.MethodDelete, "/links/"+url.PathEscape(employeeID), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Integrity runs the integrity checks remotely, applying repairs when repair is set.
func (c *Client) Integrity(ctx context.Context, repair bool) (*integrity.Report, error) {
	method, path := http.MethodGet, "/integrity"
	if repair {
		method, path = http.MethodPost, "/integrity/repair"
	}
	var rep integrity.Report
	if err := c.do(ctx, method, path, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Backup asks the server to write a snapshot.
func (c *Client) Backup(ctx context.Context) (*blob.Info, error) {
	var info blob.Info
	if err := c.do(ctx, http.MethodPost, "/backups", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	op := func() error {
		err := c.once(ctx, method, path, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status != http.StatusServiceUnavailable {
			return backoff.Permanent(err)
		}
		return err
	}
	// writes are not idempotent and are never retried
	retries := c.retries
	if method != http.MethodGet {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return backoff.Permanent(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor.ID != "" {
		req.Header.Set("X-Actor-ID", c.actor.ID)
		req.Header.Set("X-Actor-Name", c.actor.Name)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
