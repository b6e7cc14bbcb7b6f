package httpcloud

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// Client is a cloud.Backend talking to a Server.
type Client struct {
	client  *http.Client
	baseURL string
	options *ClientOptions
}

var (
	_ cloud.Backend      = (*Client)(nil)
	_ cloud.Watcher      = (*Client)(nil)
	_ cloud.StatusReader = (*Client)(nil)
)

// NewClient creates a client for the server at baseURL. If client is nil,
// http.DefaultClient is used.
func NewClient(baseURL string, client *http.Client, opts ...ClientOption) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		options: newClientOptions(opts),
	}
}

func (c *Client) Attach(ctx context.Context, account, storeID string) (cloud.Lease, error) {
	var lease cloud.Lease
	err := c.post(ctx, stackerrors.OpAttach, "/attach", attachRequest{Account: account, StoreID: storeID}, &lease)
	return lease, err
}

func (c *Client) Detach(ctx context.Context, lease cloud.Lease) error {
	var out map[string]string
	return c.post(ctx, stackerrors.OpDetach, "/detach", leaseRequest{Lease: lease}, &out)
}

func (c *Client) Push(ctx context.Context, lease cloud.Lease, txs []types.Transaction) (uint64, error) {
	var out pushResponse
	err := c.post(ctx, stackerrors.OpExport, "/push", pushRequest{Lease: lease, Transactions: txs}, &out)
	return out.Latest, err
}

func (c *Client) Pull(ctx context.Context, lease cloud.Lease, after uint64, limit int) ([]cloud.Record, error) {
	var out pullResponse
	if err := c.post(ctx, stackerrors.OpImport, "/pull", pullRequest{Lease: lease, After: after, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) AccountStatus(ctx context.Context, account string) (availability.AccountStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status?account="+url.QueryEscape(account), nil)
	if err != nil {
		return 0, stackerrors.E(stackerrors.OpFetch, stackerrors.Component(component), stackerrors.KindInternal, err)
	}
	var out statusResponse
	if err := c.do(req, stackerrors.OpFetch, &out); err != nil {
		return 0, err
	}
	return out.Status, nil
}

// Watch subscribes to the server's /events stream. The returned channel is
// closed when ctx is done or the stream ends.
func (c *Client) Watch(ctx context.Context, account string) (<-chan uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events?account="+url.QueryEscape(account), nil)
	if err != nil {
		return nil, stackerrors.E(stackerrors.OpFetch, stackerrors.Component(component), stackerrors.KindInternal, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, stackerrors.E(stackerrors.OpFetch, stackerrors.Component(component), stackerrors.KindUnavailable, err, "network error")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.responseError(resp, stackerrors.OpFetch)
	}

	out := make(chan uint64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Bytes()
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			var ev changeEvent
			if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &ev); err != nil {
				c.options.Logger.LogError(ctx, err, "malformed change event")
				continue
			}
			select {
			case out <- ev.Seq:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			c.options.Logger.LogError(ctx, err, "change stream ended")
		}
	}()
	return out, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.options.Timeout > 0 {
		return context.WithTimeout(ctx, c.options.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) post(ctx context.Context, op stackerrors.Operation, path string, in, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(in)
	if err != nil {
		return stackerrors.E(op, stackerrors.Component(component), stackerrors.KindInternal, err, "marshal request")
	}

	var body io.Reader = bytes.NewReader(data)
	encoding := ""
	if c.options.Gzip && len(data) >= gzipMin {
		var compressed bytes.Buffer
		gz := gzip.NewWriter(&compressed)
		if _, err := gz.Write(data); err != nil {
			return stackerrors.E(op, stackerrors.Component(component), stackerrors.KindInternal, err, "compress request")
		}
		if err := gz.Close(); err != nil {
			return stackerrors.E(op, stackerrors.Component(component), stackerrors.KindInternal, err, "compress request")
		}
		body = &compressed
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return stackerrors.E(op, stackerrors.Component(component), stackerrors.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op stackerrors.Operation, out any) error {
	if c.options.Gzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return stackerrors.E(op, stackerrors.Component(component), stackerrors.KindUnavailable, err, "network error")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.responseError(resp, op)
	}
	if err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"), c.options.Body, out); err != nil {
		return stackerrors.E(op, stackerrors.Component(component), stackerrors.KindFetch, err, "decode response")
	}
	return nil
}

// responseError turns a non-200 response back into the backend's sentinel errors.
func (c *Client) responseError(resp *http.Response, op stackerrors.Operation) error {
	var body errorResponse
	msg := resp.Status
	if err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"), c.options.Body, &body); err == nil && body.Error != "" {
		msg = body.Error
	}

	var (
		sentinel error
		kind     = stackerrors.KindFetch
	)
	switch resp.StatusCode {
	case http.StatusConflict:
		sentinel, kind = cloud.ErrAccountBusy, stackerrors.KindLoad
	case http.StatusGone:
		sentinel, kind = cloud.ErrLeaseNotHeld, stackerrors.KindUnavailable
	case http.StatusServiceUnavailable:
		sentinel, kind = cloud.ErrAccountUnavailable, stackerrors.KindUnavailable
	}
	if sentinel != nil {
		return stackerrors.E(op, stackerrors.Component(component), kind, fmt.Errorf("%w: %s", sentinel, msg))
	}
	return stackerrors.E(op, stackerrors.Component(component), kind,
		fmt.Errorf("server error (status %d): %s", resp.StatusCode, msg))
}
