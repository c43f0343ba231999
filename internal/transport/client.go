// Package transport implements group.Transport over HTTP. All payloads
// are CBOR; the client only ever carries ciphertext.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quietwire/groupd/pkg/group"
	"github.com/quietwire/groupd/pkg/logging"
	"github.com/quietwire/groupd/pkg/wire"
)

const (
	contentTypeCBOR = "application/cbor"

	// Auth credentials are issued per UTC day.
	secondsPerDay = 86400

	defaultCredentialCacheSize = 64
	defaultTimeout             = 30 * time.Second
)

// CredentialSource issues the auth credential for a given day number
// (unix seconds / 86400). Credentials are opaque to the client.
type CredentialSource interface {
	CredentialFor(ctx context.Context, day int64) (string, error)
}

// CredentialSourceFunc adapts a function to CredentialSource.
type CredentialSourceFunc func(ctx context.Context, day int64) (string, error)

func (f CredentialSourceFunc) CredentialFor(ctx context.Context, day int64) (string, error) {
	return f(ctx, day)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the storage service root, e.g. "https://groups.example.org".
	BaseURL string
	// Credentials issues per-day auth credentials. Required.
	Credentials CredentialSource
	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
	// CredentialCacheSize bounds the per-day credential cache.
	CredentialCacheSize int
	Logger              *logging.Logger
}

// Client talks to the group storage service. It implements
// group.Transport.
type Client struct {
	baseURL   string
	hc        *http.Client
	creds     CredentialSource
	credCache *lru.Cache[int64, string]
	log       *logging.Logger
	now       func() time.Time
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("transport: base URL cannot be empty")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("transport: credential source cannot be nil")
	}

	size := cfg.CredentialCacheSize
	if size <= 0 {
		size = defaultCredentialCacheSize
	}
	cache, err := lru.New[int64, string](size)
	if err != nil {
		return nil, fmt.Errorf("transport: credential cache: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New(nil)
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		hc:        hc,
		creds:     cfg.Credentials,
		credCache: cache,
		log:       log.WithComponent("transport"),
		now:       time.Now,
	}, nil
}

type submitResponse struct {
	Record   wire.ChangeRecord      `cbor:"rec"`
	Snapshot wire.EncryptedSnapshot `cbor:"snap,omitempty"`
}

type historyEntry struct {
	Record   wire.ChangeRecord       `cbor:"rec"`
	Snapshot *wire.EncryptedSnapshot `cbor:"snap,omitempty"`
}

type historyResponse struct {
	Entries           []historyEntry `cbor:"entries"`
	ContinuationToken string         `cbor:"token,omitempty"`
	HasMore           bool           `cbor:"more,omitempty"`
}

type avatarResponse struct {
	Ref string `cbor:"ref"`
}

type errorResponse struct {
	Message        string `cbor:"msg,omitempty"`
	ServerRevision uint64 `cbor:"rev,omitempty"`
}

// SubmitChange submits a signed change record for acceptance.
func (c *Client) SubmitChange(ctx context.Context, id group.ID, rec wire.ChangeRecord) (group.SubmitResult, error) {
	body, err := wire.Marshal(rec)
	if err != nil {
		return group.SubmitResult{}, fmt.Errorf("submit change: %w", err)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPut, c.groupPath(id), nil, body, contentTypeCBOR, &resp); err != nil {
		return group.SubmitResult{}, err
	}
	return group.SubmitResult{Record: resp.Record, Snapshot: resp.Snapshot}, nil
}

// FetchSnapshot fetches the encrypted snapshot at revision, or the
// newest one for group.RevisionLatest.
func (c *Client) FetchSnapshot(ctx context.Context, id group.ID, revision uint64) (wire.EncryptedSnapshot, error) {
	q := url.Values{}
	if revision != group.RevisionLatest {
		q.Set("revision", strconv.FormatUint(revision, 10))
	}

	var snap wire.EncryptedSnapshot
	if err := c.do(ctx, http.MethodGet, c.groupPath(id), q, nil, "", &snap); err != nil {
		return wire.EncryptedSnapshot{}, err
	}
	return snap, nil
}

// FetchHistory fetches one page of change history starting at
// fromRevision, or at the page named by a continuation token.
func (c *Client) FetchHistory(ctx context.Context, id group.ID, fromRevision uint64, token string) (group.HistoryPage, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(fromRevision, 10))
	if token != "" {
		q.Set("token", token)
	}

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, c.groupPath(id)+"/history", q, nil, "", &resp); err != nil {
		return group.HistoryPage{}, err
	}

	page := group.HistoryPage{
		ContinuationToken: resp.ContinuationToken,
		HasMore:           resp.HasMore,
	}
	for _, e := range resp.Entries {
		page.Entries = append(page.Entries, group.HistoryEntry{Record: e.Record, Snapshot: e.Snapshot})
	}
	return page, nil
}

// FetchJoinInfo fetches the encrypted join info advertised behind the
// group's invite link. The link password authenticates the request.
func (c *Client) FetchJoinInfo(ctx context.Context, id group.ID, password []byte) (wire.EncryptedJoinInfo, error) {
	u, err := c.buildURL(c.groupPath(id)+"/join-info", nil)
	if err != nil {
		return wire.EncryptedJoinInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return wire.EncryptedJoinInfo{}, fmt.Errorf("transport: %w", err)
	}
	req.Header.Set("Group-Link-Password", base64.RawURLEncoding.EncodeToString(password))

	var info wire.EncryptedJoinInfo
	if err := c.send(req, &info); err != nil {
		return wire.EncryptedJoinInfo{}, err
	}
	return info, nil
}

// UploadAvatar uploads encrypted avatar bytes and returns the
// server-assigned reference.
func (c *Client) UploadAvatar(ctx context.Context, id group.ID, data []byte) (string, error) {
	var resp avatarResponse
	if err := c.do(ctx, http.MethodPost, c.groupPath(id)+"/avatar", nil, data, "application/octet-stream", &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// DownloadAvatar fetches encrypted avatar bytes by reference.
func (c *Client) DownloadAvatar(ctx context.Context, id group.ID, ref string) ([]byte, error) {
	q := url.Values{}
	q.Set("ref", ref)

	u, err := c.buildURL(c.groupPath(id)+"/avatar", q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read avatar: %w", err)
	}
	return data, nil
}

func (c *Client) groupPath(id group.ID) string {
	return "/v1/groups/" + hex.EncodeToString(id[:])
}

func (c *Client) buildURL(path string, q url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("transport: base URL: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return "", fmt.Errorf("transport: %w", err)
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// credential returns the auth credential for today, consulting the
// per-day cache before the source.
func (c *Client) credential(ctx context.Context) (string, error) {
	day := c.now().Unix() / secondsPerDay
	if cred, ok := c.credCache.Get(day); ok {
		return cred, nil
	}

	cred, err := c.creds.CredentialFor(ctx, day)
	if err != nil {
		return "", fmt.Errorf("transport: credential for day %d: %w", day, err)
	}
	c.credCache.Add(day, cred)
	c.log.DebugContext(ctx, "credential fetched", "day", day)
	return cred, nil
}

func (c *Client) authorize(req *http.Request) error {
	cred, err := c.credential(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, contentType string, out any) error {
	u, err := c.buildURL(path, q)
	if err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if err := c.authorize(req); err != nil {
		return err
	}
	req.Header.Set("Accept", contentTypeCBOR)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}
	if err := wire.Unmarshal(data, out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// statusError maps HTTP status codes onto the typed errors callers
// branch on.
func (c *Client) statusError(resp *http.Response) error {
	var body errorResponse
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		_ = wire.Unmarshal(data, &body)
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return &group.ConflictError{ServerRevision: body.ServerRevision}
	case http.StatusForbidden:
		return group.ErrNotInGroup
	case http.StatusNotFound:
		return group.ErrUnknownGroup
	case http.StatusGone:
		return group.ErrLinkInactive
	}
	if body.Message != "" {
		return fmt.Errorf("transport: %s %s: %s (status %d)", resp.Request.Method, resp.Request.URL.Path, body.Message, resp.StatusCode)
	}
	return fmt.Errorf("transport: %s %s: unexpected status %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
}
