package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

const defaultRemoteTimeout = 10 * time.Second

// HTTPRemote talks to the REST API of the sync server.
type HTTPRemote struct {
	baseURL string
	token   string
	client  *http.Client
}

type HTTPRemoteOption func(*HTTPRemote)

func WithHTTPClient(c *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.client = c }
}

func NewHTTPRemote(baseURL, token string, opts ...HTTPRemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: defaultRemoteTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type route struct {
	method string
	path   string
}

func routeFor(m Mutation) (route, error) {
	id := url.PathEscape(m.EntityID)
	parent := url.PathEscape(m.ParentID)
	switch m.Entity {
	case EntityList:
		switch m.Op {
		case OpCreate:
			return route{http.MethodPost, "/v1/lists"}, nil
		case OpUpdate:
			return route{http.MethodPatch, "/v1/lists/" + id}, nil
		case OpDelete:
			return route{http.MethodDelete, "/v1/lists/" + id}, nil
		}
	case EntityItem:
		switch m.Op {
		case OpCreate:
			return route{http.MethodPost, "/v1/lists/" + parent + "/items"}, nil
		case OpUpdate:
			return route{http.MethodPatch, "/v1/items/" + id}, nil
		case OpDelete:
			return route{http.MethodDelete, "/v1/items/" + id}, nil
		}
	case EntityComment:
		switch m.Op {
		case OpCreate:
			return route{http.MethodPost, "/v1/lists/" + parent + "/comments"}, nil
		case OpUpdate:
			return route{http.MethodPatch, "/v1/comments/" + id}, nil
		case OpDelete:
			return route{http.MethodDelete, "/v1/comments/" + id}, nil
		}
	}
	return route{}, fmt.Errorf("no route for %s %s", m.Op, m.Entity)
}

type resultBody struct {
	List    *model.List    `json:"list"`
	Item    *model.Item    `json:"item"`
	Comment *model.Comment `json:"comment"`
	Success bool           `json:"success"`
}

func (r *HTTPRemote) Apply(ctx context.Context, m Mutation) (Result, error) {
	if (m.Op != OpCreate && IsPlaceholder(m.EntityID)) || IsPlaceholder(m.ParentID) {
		return Result{}, fmt.Errorf("refusing to send placeholder id for %s %s", m.Op, m.Entity)
	}
	rt, err := routeFor(m)
	if err != nil {
		return Result{}, err
	}

	var body resultBody
	if err := r.do(ctx, rt.method, rt.path, m.Payload, &body); err != nil {
		return Result{}, err
	}

	res := Result{List: body.List, Item: body.Item, Comment: body.Comment}
	if m.Op != OpDelete && res.ID() == "" {
		return Result{}, fmt.Errorf("%s %s: response carries no %s", m.Op, m.Entity, m.Entity)
	}
	return res, nil
}

func (r *HTTPRemote) Items(ctx context.Context, listID string) ([]model.Item, error) {
	var body struct {
		Items []model.Item `json:"items"`
	}
	if err := r.do(ctx, http.MethodGet, "/v1/lists/"+url.PathEscape(listID)+"/items", nil, &body); err != nil {
		return nil, err
	}
	return body.Items, nil
}

func (r *HTTPRemote) Ping(ctx context.Context) error {
	return r.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &errBody)
		return &RemoteError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
