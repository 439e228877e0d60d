// Package api provides the client for the dispatch server endpoints the
// sync engine talks to.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// DefaultTimeout bounds a single request, uploads included.
const DefaultTimeout = 60 * time.Second

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 512

// Client talks to the dispatch server. Thread-safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. token is sent verbatim as a
// bearer credential when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// UploadResponse is the body returned by the photo endpoint.
type UploadResponse struct {
	ID string `json:"id"`
}

// UploadPhoto posts one photo as multipart form data and returns the
// server-side photo id.
func (c *Client) UploadPhoto(ctx context.Context, jobID, photoID string, blob []byte, mime string, photoType models.PhotoType) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("type", string(photoType)); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to build upload form", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename="%s%s"`, photoID, extensionFor(mime)))
	header.Set("Content-Type", mime)
	part, err := w.CreatePart(header)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to build upload form", err)
	}
	if _, err := part.Write(blob); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to build upload form", err)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to build upload form", err)
	}

	path := "/api/jobs/" + url.PathEscape(jobID) + "/photos"
	req, err := c.newRequest(ctx, http.MethodPost, path, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrNetwork, "photo upload request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New(errors.ErrUploadFailed, statusMessage(resp))
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(errors.ErrUploadFailed, "invalid upload response", err)
	}
	if out.ID == "" {
		return "", errors.New(errors.ErrUploadFailed, "upload response has no id")
	}
	return out.ID, nil
}

// FetchTodayRoute returns the route assigned for date. A 404 yields an
// ErrNotFound error.
func (c *Client) FetchTodayRoute(ctx context.Context, date string) (*models.CachedRoute, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/routes/today?date="+url.QueryEscape(date), nil)
	if err != nil {
		return nil, err
	}

	var route models.CachedRoute
	if err := c.doJSON(req, &route); err != nil {
		return nil, err
	}
	if route.Date == "" {
		route.Date = date
	}
	route.SortStops()
	return &route, nil
}

// jobUpdate is the PATCH body for a job status change.
type jobUpdate struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// PushJob sends a local job status change.
func (c *Client) PushJob(ctx context.Context, job *models.CachedJob) error {
	payload, err := json.Marshal(jobUpdate{Status: job.Status, Notes: job.Notes})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode job", err)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/jobs/"+url.PathEscape(job.ID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, nil)
}

// PushShift sends the full local shift state.
func (c *Client) PushShift(ctx context.Context, shift *models.CachedShift) error {
	payload, err := json.Marshal(shift)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode shift", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/api/shifts/"+url.PathEscape(shift.ID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, nil)
}

// Probe checks that the server is reachable.
func (c *Client) Probe(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodHead, "/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "server unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.New(errors.ErrNetwork, fmt.Sprintf("server unhealthy: status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON executes req and decodes a 2xx body into out when out is non-nil.
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, fmt.Sprintf("%s %s failed", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.New(errors.ErrNotFound, statusMessage(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(errors.ErrNetwork, statusMessage(resp))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrNetwork, "invalid response body", err)
	}
	return nil
}

func statusMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return fmt.Sprintf("%s %s: status %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, msg)
}

func extensionFor(mime string) string {
	if m := mimetype.Lookup(mime); m != nil {
		return m.Extension()
	}
	return ""
}
