// Package api is the REST client for the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

// TokenSource supplies the bearer token of the current session, or "" when signed out.
type TokenSource interface {
	Token() string
}

// Error is a failed REST call.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type Client struct {
	baseURL      string
	httpClient   *http.Client
	tokens       TokenSource
	maxForbidden int

	mu        sync.Mutex
	forbidden int
	onExpired func()
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, maxForbidden int) *Client {
	if maxForbidden < 1 {
		maxForbidden = 1
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		tokens:       tokens,
		maxForbidden: maxForbidden,
	}
}

// OnAuthExpired registers the callback run when consecutive 403 responses reach the
// configured threshold.
func (c *Client) OnAuthExpired(f func()) {
	c.mu.Lock()
	c.onExpired = f
	c.mu.Unlock()
}

func (c *Client) Register(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error) {
	return c.authenticate(ctx, "register", "/auth/register", creds)
}

func (c *Client) Login(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error) {
	return c.authenticate(ctx, "login", "/auth/login", creds)
}

func (c *Client) authenticate(ctx context.Context, op, path string, creds models.Credentials) (*models.AuthResponse, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding credentials: %w", op, err)
	}
	var resp models.AuthResponse
	err = c.do(ctx, request{
		op:          op,
		method:      http.MethodPost,
		path:        path,
		body:        bytes.NewReader(body),
		contentType: "application/json",
		anonymous:   true,
	}, &resp)
	if err != nil {
		switch StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			var apiErr *Error
			errors.As(err, &apiErr)
			apiErr.Err = models.ErrAuthFailed
		}
		return nil, err
	}
	if resp.Token == "" {
		return nil, &Error{Op: op, Err: errors.New("response carried no token")}
	}
	return &resp, nil
}

func (c *Client) Contacts(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	err := c.do(ctx, request{op: "contacts", method: http.MethodGet, path: "/users/contacts"}, &contacts)
	return contacts, err
}

func (c *Client) Search(ctx context.Context, query string) ([]models.Contact, error) {
	var results []models.Contact
	err := c.do(ctx, request{
		op:     "search",
		method: http.MethodGet,
		path:   "/users/search",
		query:  url.Values{"username": {query}},
	}, &results)
	return results, err
}

// History fetches one page of the conversation between the users meID and peerID. The
// server orders the page newest first.
func (c *Client) History(ctx context.Context, meID, peerID int64, page, size int) (*models.Page, error) {
	q := url.Values{"page": {strconv.Itoa(page)}}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	var p models.Page
	err := c.do(ctx, request{
		op:     "history",
		method: http.MethodGet,
		path:   "/messages/" + strconv.FormatInt(meID, 10) + "/" + strconv.FormatInt(peerID, 10),
		query:  q,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Upload stores a file and returns the URL the server assigned to it.
func (c *Client) Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("upload: creating form part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("upload: reading %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload: closing form: %w", err)
	}

	var result models.UploadResult
	err = c.do(ctx, request{
		op:          "upload",
		method:      http.MethodPost,
		path:        "/files/upload",
		body:        &buf,
		contentType: mw.FormDataContentType(),
	}, &result)
	if err != nil {
		return "", err
	}
	if result.FileURL == "" {
		return "", &Error{Op: "upload", Err: errors.New("response carried no file url")}
	}
	return result.FileURL, nil
}

// DeleteMessage soft-deletes a message the caller sent.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	return c.do(ctx, request{
		op:     "delete message",
		method: http.MethodDelete,
		path:   "/messages/" + strconv.FormatInt(id, 10),
	}, nil)
}

func (c *Client) ListUsers(ctx context.Context) ([]models.UserDetails, error) {
	var users []models.UserDetails
	err := c.do(ctx, request{op: "list users", method: http.MethodGet, path: "/admin/users"}, &users)
	return users, err
}

func (c *Client) GetUser(ctx context.Context, id int64) (*models.UserDetails, error) {
	var user models.UserDetails
	err := c.do(ctx, request{
		op:     "get user",
		method: http.MethodGet,
		path:   "/admin/users/" + strconv.FormatInt(id, 10),
	}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListMedia returns media messages, optionally filtered by message type.
func (c *Client) ListMedia(ctx context.Context, typ models.MessageType) ([]models.Message, error) {
	var q url.Values
	if typ != "" {
		q = url.Values{"type": {string(typ)}}
	}
	var media []models.Message
	err := c.do(ctx, request{op: "list media", method: http.MethodGet, path: "/admin/media", query: q}, &media)
	return media, err
}

// HardDeleteMedia removes a media message and its stored file.
func (c *Client) HardDeleteMedia(ctx context.Context, id int64) error {
	return c.do(ctx, request{
		op:     "delete media",
		method: http.MethodDelete,
		path:   "/admin/media/" + strconv.FormatInt(id, 10),
	}, nil)
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	anonymous   bool
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, r.body)
	if err != nil {
		return &Error{Op: r.op, Err: err}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if !r.anonymous {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("X-Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("%s request failed: %v", r.op, err)
		return &Error{Op: r.op, Err: err}
	}
	defer resp.Body.Close()

	if !r.anonymous {
		if err := c.trackForbidden(r.op, resp.StatusCode); err != nil {
			return err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Op: r.op, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		logger.Warn("%s", apiErr)
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &Error{Op: r.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// trackForbidden counts consecutive 403 responses. Reaching the threshold resets the
// counter, fires the expiry callback and fails the call with ErrAuthorizationExpired.
func (c *Client) trackForbidden(op string, status int) error {
	c.mu.Lock()
	if status != http.StatusForbidden {
		c.forbidden = 0
		c.mu.Unlock()
		return nil
	}
	c.forbidden++
	if c.forbidden < c.maxForbidden {
		c.mu.Unlock()
		return nil
	}
	c.forbidden = 0
	onExpired := c.onExpired
	c.mu.Unlock()

	logger.Warn("%s: authorization expired after %d consecutive 403 responses", op, c.maxForbidden)
	if onExpired != nil {
		onExpired()
	}
	return &Error{Op: op, StatusCode: status, Message: "authorization expired", Err: models.ErrAuthorizationExpired}
}

func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
