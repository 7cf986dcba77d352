// Package filetree is the narrow seam to the external file-tree CRUD
// collaborator. The synchronization engine never manages file trees itself;
// room file endpoints proxy through this client.
package filetree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnavailable indicates the collaborator rejected or failed the request.
var ErrUnavailable = errors.New("filetree: collaborator unavailable")

// Item is a file or folder entry as reported by the collaborator.
type Item struct {
	ItemID   string `json:"item_id"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	IsFolder bool   `json:"is_folder"`
}

// Client is the consumed surface of the file-tree collaborator.
type Client interface {
	CreateItem(ctx context.Context, roomID string, item Item) (Item, error)
	DeleteItem(ctx context.Context, roomID, itemID string) error
	RenameItem(ctx context.Context, roomID, itemID, newName string) error
	GetContents(ctx context.Context, roomID string) ([]Item, error)
}

// HTTPClient talks to the collaborator over its REST surface.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient constructs a Client against the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateItem registers a new file or folder for the room.
func (c *HTTPClient) CreateItem(ctx context.Context, roomID string, item Item) (Item, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}
	var created Item
	if err := c.do(ctx, http.MethodPost, c.itemsPath(roomID), bytes.NewReader(body), &created); err != nil {
		return Item{}, err
	}
	return created, nil
}

// DeleteItem removes a file or folder entry.
func (c *HTTPClient) DeleteItem(ctx context.Context, roomID, itemID string) error {
	return c.do(ctx, http.MethodDelete, c.itemsPath(roomID)+"/"+url.PathEscape(itemID), nil, nil)
}

// RenameItem renames a file or folder entry.
func (c *HTTPClient) RenameItem(ctx context.Context, roomID, itemID, newName string) error {
	body, err := json.Marshal(map[string]string{"name": newName})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, c.itemsPath(roomID)+"/"+url.PathEscape(itemID), bytes.NewReader(body), nil)
}

// GetContents lists the room's file tree.
func (c *HTTPClient) GetContents(ctx context.Context, roomID string) ([]Item, error) {
	var items []Item
	if err := c.do(ctx, http.MethodGet, c.itemsPath(roomID), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) itemsPath(roomID string) string {
	return c.baseURL + "/rooms/" + url.PathEscape(roomID) + "/items"
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body io.Reader, out any) error {
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}
