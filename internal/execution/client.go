package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "pipeorch/pkg/logx"
)

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return "execution backend: " + e.Status
	}
	return "execution backend: " + e.Status + ": " + e.Body
}

// Client talks JSON over HTTP to the execution backend:
//
//	POST {endpoint}/pipelines/{name}/runs     {"triggered_by": "...", "run_config_id": ...}
//	POST {endpoint}/pipelines/{name}/restart
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     logx.Logger
}

type Option func(c *Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithTimeout bounds a single request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(c *Client) {
		if !log.IsZero() {
			c.log = log
		}
	}
}

func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid execution endpoint %q", endpoint)
	}
	c := &Client{baseURL: endpoint, http: &http.Client{Timeout: 20 * time.Second}, log: logx.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type submitRequest struct {
	TriggeredBy string  `json:"triggered_by"`
	RunConfigID *string `json:"run_config_id"`
}

func (c *Client) Submit(ctx context.Context, pipeline, triggeredBy string, runConfigID *string) (Accepted, error) {
	var out Accepted
	err := c.doJSON(ctx, "/pipelines/"+url.PathEscape(pipeline)+"/runs", submitRequest{TriggeredBy: triggeredBy, RunConfigID: runConfigID}, &out)
	if err != nil {
		return Accepted{}, errors.Wrapf(err, "submit %s", pipeline)
	}
	c.log.Debug("run accepted", logx.String("pipeline", pipeline), logx.String("run_id", out.RunID))
	return out, nil
}

func (c *Client) Restart(ctx context.Context, pipeline string) (Accepted, error) {
	var out Accepted
	if err := c.doJSON(ctx, "/pipelines/"+url.PathEscape(pipeline)+"/restart", nil, &out); err != nil {
		return Accepted{}, errors.Wrapf(err, "restart %s", pipeline)
	}
	c.log.Debug("restart accepted", logx.String("pipeline", pipeline))
	return out, nil
}

// doJSON posts in and decodes the answer into out. No retries: a failed
// submission waits for the job's next natural fire.
func (c *Client) doJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return errors.Mark(herr, ErrRejected)
		}
		return herr
	}
	if out == nil {
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

var (
	_ Executor  = (*Client)(nil)
	_ Restarter = (*Client)(nil)
)
