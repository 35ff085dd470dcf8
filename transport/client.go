package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/peersupport/roomsync/internal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var Version = ""

// HTTPClient sends operations to the remote authority as JSON over HTTP.
// One client can be shared among many synchronizers.
type HTTPClient struct {
	Client   *http.Client
	Endpoint string
	// Token returns the bearer token to attach, or "" for none. Owned by the session module.
	Token func() string
}

// NewHTTPClient returns a client with an instrumented transport. The timeout bounds a
// hung request; the synchronization layer itself imposes none.
func NewHTTPClient(endpoint string, token func() string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		Endpoint: endpoint,
		Token:    token,
	}
}

// Request performs an operation and returns data.<op> from the response body.
func (c *HTTPClient) Request(ctx context.Context, op string, vars map[string]any) (gjson.Result, error) {
	body, err := EncodeOperation(op, vars)
	if err != nil {
		return gjson.Result{}, &internal.RemoteError{Op: op, Err: fmt.Errorf("encode: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.Endpoint+"/rpc", bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, &internal.RemoteError{Op: op, Err: fmt.Errorf("NewRequest failed: %w", err)}
	}
	req.Header.Set("User-Agent", "roomsync-"+Version)
	req.Header.Set("Content-Type", "application/json")
	if c.Token != nil {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return gjson.Result{}, &internal.RemoteError{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer res.Body.Close()
	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return gjson.Result{}, &internal.RemoteError{Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return DecodeResult(op, res.StatusCode, respBody)
}

// EncodeOperation builds the {"operationName","variables"} request envelope.
func EncodeOperation(op string, vars map[string]any) ([]byte, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	body, err := sjson.SetBytes([]byte(`{}`), "operationName", op)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "variables", vars)
}

// DecodeResult extracts data.<op> from a response envelope, turning non-200 statuses and
// the errors array into a *internal.RemoteError.
func DecodeResult(op string, statusCode int, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &internal.RemoteError{Op: op, StatusCode: statusCode, Err: fmt.Errorf("response is not valid JSON")}
	}
	parsed := gjson.ParseBytes(body)
	if msg := parsed.Get("errors.0.message"); msg.Exists() {
		return gjson.Result{}, &internal.RemoteError{Op: op, StatusCode: statusCode, Err: fmt.Errorf("%s", msg.Str)}
	}
	if statusCode != 200 {
		return gjson.Result{}, &internal.RemoteError{Op: op, StatusCode: statusCode, Err: fmt.Errorf("response returned HTTP %d", statusCode)}
	}
	return parsed.Get("data").Get(op), nil
}
