package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskboard/domain"
)

const (
	// DefaultTimeout bounds a single remote call.
	DefaultTimeout = 5 * time.Second

	// IdempotencyHeader carries the per-create dedupe key.
	IdempotencyHeader = "Idempotency-Key"

	maxResponseSize = 8 << 20
	maxErrorSize    = 4 << 10
)

// Options configures an HTTP gateway.
type Options struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// Gzip compresses request bodies.
	Gzip       bool
	HTTPClient *http.Client
}

// HTTP implements Gateway over the REST contract GET/POST /{Entity} and
// PUT/DELETE /{Entity}/{id}.
type HTTP[T domain.Entity[T]] struct {
	base    string
	token   string
	timeout time.Duration
	gzip    bool
	client  *http.Client
	kind    domain.Kind
	newKey  func() string
}

// NewHTTP creates a gateway for the collection of T.
func NewHTTP[T domain.Entity[T]](opts Options) (*HTTP[T], error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP[T]{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		timeout: timeout,
		gzip:    opts.Gzip,
		client:  client,
		kind:    domain.KindOf[T](),
		newKey:  uuid.NewString,
	}, nil
}

// List returns every record in server order.
func (g *HTTP[T]) List(ctx context.Context) ([]T, error) {
	body, err := g.do(ctx, "list", http.MethodGet, g.kind.Path(), nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := domain.DecodeList[T](body)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", g.kind, err)
	}
	return items, nil
}

// Create posts payload and returns the stored record.
func (g *HTTP[T]) Create(ctx context.Context, payload T) (T, error) {
	var zero T
	data, err := domain.Encode(payload)
	if err != nil {
		return zero, fmt.Errorf("create %s: encode: %w", g.kind, err)
	}
	hdr := http.Header{}
	hdr.Set(IdempotencyHeader, g.newKey())
	body, err := g.do(ctx, "create", http.MethodPost, g.kind.Path(), data, hdr)
	if err != nil {
		return zero, err
	}
	return g.decodeOne("create", body)
}

// Update puts fields to /{Entity}/{id}.
func (g *HTTP[T]) Update(ctx context.Context, id string, fields domain.Fields) (T, error) {
	var zero T
	if id == "" {
		return zero, fmt.Errorf("update %s: %w", g.kind, domain.ErrMissingID)
	}
	data, err := domain.Encode(fields)
	if err != nil {
		return zero, fmt.Errorf("update %s: encode: %w", g.kind, err)
	}
	body, err := g.do(ctx, "update", http.MethodPut, g.itemPath(id), data, nil)
	if err != nil {
		return zero, err
	}
	return g.decodeOne("update", body)
}

// Delete removes /{Entity}/{id}.
func (g *HTTP[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("delete %s: %w", g.kind, domain.ErrMissingID)
	}
	_, err := g.do(ctx, "delete", http.MethodDelete, g.itemPath(id), nil, nil)
	return err
}

func (g *HTTP[T]) itemPath(id string) string {
	return g.kind.Path() + "/" + url.PathEscape(id)
}

func (g *HTTP[T]) decodeOne(op string, body []byte) (T, error) {
	v, err := domain.Decode[T](body)
	if err != nil {
		return v, fmt.Errorf("%s %s: %w", op, g.kind, err)
	}
	return v, nil
}

func (g *HTTP[T]) do(ctx context.Context, op, method, path string, payload []byte, hdr http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reader io.Reader
	gzipped := false
	if payload != nil {
		if g.gzip {
			compressed, err := gzipBytes(payload)
			if err != nil {
				return nil, fmt.Errorf("%s %s: compress: %w", op, g.kind, err)
			}
			payload = compressed
			gzipped = true
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, g.kind, err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: request timed out: %w", op, g.kind, err)
		}
		return nil, fmt.Errorf("%s %s: %w", op, g.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSize))
		return nil, &StatusError{Op: op, Kind: g.kind, Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", op, g.kind, err)
	}
	return body, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
