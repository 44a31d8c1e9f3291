// Package remote is the HTTP client for the document repository API: document
// metadata, content transfer in both directions, locks, synchronization roots
// and the ordered change log the remote watcher polls.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors mapped from HTTP statuses.
var (
	ErrNotFound     = errors.New("document not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("permission denied")
	ErrLocked       = errors.New("document locked by another user")
)

// ChunkSize is the upload chunk length. Chunks retry independently.
const ChunkSize = 8 * 1024 * 1024

// Client talks to one repository with one account token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the given base URL. The timeout applies to
// every metadata call; content streaming relies on context cancellation
// instead.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchToken exchanges account credentials for an API token at bind time.
func FetchToken(ctx context.Context, baseURL, account, password string, timeout time.Duration) (string, error) {
	body, _ := json.Marshal(map[string]string{"account": account, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/api/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response of %s: %w", path, err)
		}
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusLocked:
		return ErrLocked
	case code >= 400:
		return fmt.Errorf("server returned status %d", code)
	}
	return nil
}

// GetInfo fetches document metadata by id.
func (c *Client) GetInfo(ctx context.Context, uid string) (FileInfo, error) {
	var info FileInfo
	err := c.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(uid), nil, &info)
	return info, err
}

// Exists reports whether the document still exists server-side.
func (c *Client) Exists(ctx context.Context, uid string) (bool, error) {
	_, err := c.GetInfo(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetChildren lists the direct children of a folder.
func (c *Client) GetChildren(ctx context.Context, uid string) ([]FileInfo, error) {
	var children []FileInfo
	err := c.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(uid)+"/children", nil, &children)
	return children, err
}

// GetChanges fetches the event log above lowerBound.
func (c *Client) GetChanges(ctx context.Context, lowerBound int64) (ChangeSummary, error) {
	var summary ChangeSummary
	path := "/api/changes?lowerBound=" + strconv.FormatInt(lowerBound, 10)
	err := c.do(ctx, http.MethodGet, path, nil, &summary)
	return summary, err
}

// StreamContent downloads the document body into w, honoring ctx
// cancellation between reads.
func (c *Client) StreamContent(ctx context.Context, uid string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/documents/"+url.PathEscape(uid)+"/content", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	// No client timeout here: large downloads are bounded by ctx.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return 0, fmt.Errorf("download of %s failed: %w", uid, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download of %s interrupted: %w", uid, err)
	}
	return n, nil
}

// CreateFolder creates a child folder and returns its metadata.
func (c *Client) CreateFolder(ctx context.Context, parentUID, name string) (FileInfo, error) {
	var info FileInfo
	body := map[string]any{"name": name, "folderish": true}
	err := c.do(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(parentUID)+"/children", body, &info)
	return info, err
}

// Upload pushes file content under parentUID using the chunked upload
// facility and returns the resulting document metadata. An empty uid creates
// a new document; otherwise the existing document's content is replaced.
func (c *Client) Upload(ctx context.Context, parentUID, uid, name string, r io.Reader, size int64) (FileInfo, error) {
	batch, err := c.initBatch(ctx)
	if err != nil {
		return FileInfo{}, err
	}
	if err := c.uploadChunks(ctx, batch, r); err != nil {
		return FileInfo{}, err
	}

	var info FileInfo
	body := map[string]any{"name": name, "batch": batch, "size": size}
	if uid == "" {
		err = c.do(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(parentUID)+"/children", body, &info)
	} else {
		err = c.do(ctx, http.MethodPut, "/api/documents/"+url.PathEscape(uid)+"/content", body, &info)
	}
	return info, err
}

func (c *Client) initBatch(ctx context.Context) (string, error) {
	var out struct {
		BatchID string `json:"batchId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/uploads", nil, &out); err != nil {
		return "", fmt.Errorf("failed to init upload batch: %w", err)
	}
	return out.BatchID, nil
}

func (c *Client) uploadChunks(ctx context.Context, batch string, r io.Reader) error {
	buf := make([]byte, ChunkSize)
	for index := 0; ; index++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if cerr := c.putChunk(ctx, batch, index, buf[:n]); cerr != nil {
				return cerr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read upload chunk %d: %w", index, err)
		}
	}
}

func (c *Client) putChunk(ctx context.Context, batch string, index int, chunk []byte) error {
	path := fmt.Sprintf("/api/uploads/%s/%d", url.PathEscape(batch), index)
	// One retry per chunk; transient 5xx on a single chunk should not doom
	// the whole transfer.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(chunk))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 400 {
			return nil
		}
		lastErr = fmt.Errorf("chunk %d rejected with status %d", index, resp.StatusCode)
		if resp.StatusCode < 500 {
			break
		}
	}
	return fmt.Errorf("failed to upload chunk %d: %w", index, lastErr)
}

// Rename changes the document name in place.
func (c *Client) Rename(ctx context.Context, uid, name string) (FileInfo, error) {
	var info FileInfo
	err := c.do(ctx, http.MethodPut, "/api/documents/"+url.PathEscape(uid), map[string]any{"name": name}, &info)
	return info, err
}

// Move reparents the document under newParentUID.
func (c *Client) Move(ctx context.Context, uid, newParentUID string) (FileInfo, error) {
	var info FileInfo
	err := c.do(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(uid)+"/move",
		map[string]any{"target": newParentUID}, &info)
	return info, err
}

// Delete removes the document server-side.
func (c *Client) Delete(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodDelete, "/api/documents/"+url.PathEscape(uid), nil, nil)
}

// Undelete restores a trashed document.
func (c *Client) Undelete(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(uid)+"/undelete", nil, nil)
}

// Lock takes the server-side lock on a document.
func (c *Client) Lock(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(uid)+"/lock", nil, nil)
}

// Unlock releases the server-side lock.
func (c *Client) Unlock(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(uid)+"/unlock", nil, nil)
}

// GetTopFolder fetches the account's top-level container. Documents created
// at the root of the local folder are uploaded into it.
func (c *Client) GetTopFolder(ctx context.Context) (FileInfo, error) {
	var info FileInfo
	err := c.do(ctx, http.MethodGet, "/api/top", nil, &info)
	return info, err
}

// GetRoots lists the registered synchronization roots.
func (c *Client) GetRoots(ctx context.Context) ([]FileInfo, error) {
	var roots []FileInfo
	err := c.do(ctx, http.MethodGet, "/api/roots", nil, &roots)
	return roots, err
}

// RegisterRoot marks a folder as a synchronization root for this account.
func (c *Client) RegisterRoot(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodPost, "/api/roots/"+url.PathEscape(uid), nil, nil)
}

// UnregisterRoot removes a synchronization root registration.
func (c *Client) UnregisterRoot(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodDelete, "/api/roots/"+url.PathEscape(uid), nil, nil)
}
