// Package api implements the control-plane HTTP client.
//
// Every call site goes through one request path with a single retry
// policy: progress ticks are fire-and-forget single attempts whose
// failures are logged and swallowed, state and other calls retry with
// exponential backoff on connectivity errors and 5xx responses only.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kinnato/vcrunner/internal/constants"
	"github.com/kinnato/vcrunner/internal/httpx"
	"github.com/kinnato/vcrunner/internal/logging"
)

// pathKind classifies a control-plane path for the retry policy.
type pathKind int

const (
	kindProgress pathKind = iota // single attempt, failures swallowed by callers
	kindState                    // terminal/stage markers, retried, retries logged at warn
	kindOther                    // everything else, retried
)

// classifyPath assigns the retry policy for a control-plane path.
// Progress paths end in a bare stage name; state paths end in an
// action verb.
func classifyPath(path string) pathKind {
	switch {
	case strings.HasSuffix(path, "/start"),
		strings.HasSuffix(path, "/complete"),
		strings.HasSuffix(path, "/fail"),
		strings.HasSuffix(path, "/downloadComplete"),
		strings.HasSuffix(path, "/convertComplete"):
		return kindState
	case strings.HasSuffix(path, "/download"),
		strings.HasSuffix(path, "/convert"),
		strings.HasSuffix(path, "/upload"):
		return kindProgress
	default:
		return kindOther
	}
}

// retryLogger adapts the runner logger to retryablehttp's leveled
// interface, demoting its info output to debug. State-call retries are
// logged at warn by the request hook set in NewClient.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	errStr := fmt.Sprintf("%v", keysAndValues)
	if strings.Contains(errStr, "context canceled") {
		return // Expected during shutdown
	}
	l.log.Error().Msgf("api: %s %v", msg, keysAndValues)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Msgf("api: %s %v", msg, keysAndValues)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Msgf("api: %s %v", msg, keysAndValues)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Msgf("api: %s %v", msg, keysAndValues)
}

// Client talks to the control plane. Safe for concurrent use.
type Client struct {
	retrying *nethttp.Client // state + other calls
	plain    *nethttp.Client // progress ticks, single attempt
	baseURL  string          // "<BASE_URL>/api"
	token    string
	log      *logging.Logger
}

// NewClient creates a control-plane client. baseURL is the bare
// control-plane root; the /api prefix is appended here.
func NewClient(baseURL, token string, log *logging.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpx.NewClient()
	retryClient.HTTPClient.Timeout = constants.APIRequestTimeout
	retryClient.RetryMax = constants.APIMaxRetries
	retryClient.RetryWaitMin = constants.APIRetryWaitMin
	retryClient.RetryWaitMax = constants.APIRetryWaitMax
	retryClient.Logger = &retryLogger{log: log}
	retryClient.CheckRetry = checkRetry
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *nethttp.Request, retry int) {
		if retry > 0 && classifyPath(req.URL.Path) == kindState {
			log.Warn().Str("path", req.URL.Path).Int("retry", retry).Msg("api: retrying state call")
		}
	}

	plain := httpx.NewClient()
	plain.Timeout = constants.APIRequestTimeout

	return &Client{
		retrying: retryClient.StandardClient(),
		plain:    plain,
		baseURL:  strings.TrimSuffix(baseURL, "/") + "/api",
		token:    token,
		log:      log,
	}
}

// SetToken swaps the bearer token after (re-)registration.
func (c *Client) SetToken(token string) {
	c.token = token
}

// checkRetry retries on connectivity errors and 5xx only. 403 and 404
// surface immediately.
func checkRetry(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return httpx.ClassifyError(err) == httpx.ErrorTypeRetryable, nil
	}
	if resp != nil && resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// readResponseBody drains a body for error reporting. A read failure
// still produces an informative placeholder.
func readResponseBody(body io.ReadCloser) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("(failed to read response body: %v)", err)
	}
	return string(data)
}

// request performs one control-plane call and decodes the JSON response
// into out (when out is non-nil). The retry policy follows the path
// classification.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	client := c.retrying
	if classifyPath(path) == kindProgress {
		client = c.plain
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpx.StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(readResponseBody(resp.Body)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// Online registers (or re-registers) this machine. Blocking and fatal on
// failure at startup.
func (c *Client) Online(ctx context.Context, machine Machine) (*Runner, error) {
	var resp onlineResponse
	payload := map[string]Machine{"machine": machine}
	if err := c.request(ctx, nethttp.MethodPost, "/runner/online", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Runner == nil {
		return nil, fmt.Errorf("online response carried no runner")
	}
	return resp.Runner, nil
}

// Heartbeat reports liveness and telemetry.
func (c *Client) Heartbeat(ctx context.Context, deviceInfo any, encoder string) (*Runner, error) {
	var resp heartbeatResponse
	payload := map[string]any{"deviceInfo": deviceInfo, "encoder": encoder}
	if err := c.request(ctx, nethttp.MethodPost, "/runner/heartbeat", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Runner, nil
}

// GetTask fetches the next unbound task. Returns (nil, nil) when the
// control plane has nothing (404).
func (c *Client) GetTask(ctx context.Context) (*RemoteTask, error) {
	var resp getTaskResponse
	err := c.request(ctx, nethttp.MethodGet, "/runner/getTask", nil, &resp)
	if err != nil {
		var statusErr *httpx.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == nethttp.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return resp.Task, nil
}

// Start binds a task to this runner. The bind is atomic server-side;
// false means another runner won the race.
func (c *Client) Start(ctx context.Context, taskID string) (bool, error) {
	var resp successResponse
	if err := c.request(ctx, nethttp.MethodPost, "/runner/"+taskID+"/start", nil, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// DownloadComplete posts the stage marker after the source is fetched.
func (c *Client) DownloadComplete(ctx context.Context, taskID, downloadedFilePath string) error {
	payload := map[string]string{"downloadedFilePath": downloadedFilePath}
	return c.request(ctx, nethttp.MethodPost, "/runner/"+taskID+"/downloadComplete", payload, nil)
}

// ReportDownload posts a download progress tick. Single attempt; the
// error is for the caller to log at warn and drop.
func (c *Client) ReportDownload(ctx context.Context, taskID string, info any) error {
	payload := map[string]any{"downloadInfo": info}
	return c.request(ctx, nethttp.MethodPost, "/runner/"+taskID+"/download", payload, nil)
}

// ReportConvert posts a convert progress tick.
func (c *Client) ReportConvert(ctx context.Context, taskID string, info any) error {
	payload := map[string]any{"convertInfo": info}
	return c.request(ctx, nethttp.MethodPost, "/runner/"+taskID+"/convert", payload, nil)
}

// ReportUpload posts an upload progress tick.
func (c *Client) ReportUpload(ctx context.Context, taskID string, info any) error {
	payload := map[string]any{"uploadInfo": info}
	return c.request(ctx, nethttp.MethodPost, "/runner/"+taskID+"/upload", payload, nil)
}

// Complete reports terminal success.
func (c *Client) Complete(ctx context.Context, taskID string, result TaskResult) error {
	payload := map[string]TaskResult{"result": result}
	return c.request(ctx, nethttp.MethodPost, "/runner/"+taskID+"/complete", payload, nil)
}

// Fail reports terminal failure.
func (c *Client) Fail(ctx context.Context, taskID string, failure TaskFailure) error {
	payload := map[string]TaskFailure{"error": failure}
	return c.request(ctx, nethttp.MethodPost, "/runner/"+taskID+"/fail", payload, nil)
}

// StorageCredentials fetches the current object-store access block.
func (c *Client) StorageCredentials(ctx context.Context) (*StorageCredentials, error) {
	var creds StorageCredentials
	if err := c.request(ctx, nethttp.MethodGet, "/runner/minio", nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}
