package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultBaseURL = "https://api.trello.com/1"

type Options struct {
	BaseURL    string
	APIKey     string
	Token      string
	HTTPClient *http.Client
	Limiter    *Limiter
	Clock      Clock
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	UserAgent  string
	Logger     logrus.FieldLogger
}

// Request is one call against the Kanban API. Endpoint is relative to the
// client's base URL. Params travel in the query string for reads and in a
// form body for writes; Upload switches writes to multipart.
type Request struct {
	Method   string
	Endpoint string
	Params   url.Values
	Upload   *Upload
	// NoRetry marks requests that must not be replayed after an ambiguous
	// failure because the service does not deduplicate them. A 429 is not
	// ambiguous and is still retried.
	NoRetry bool
}

type Upload struct {
	Field string
	Path  string
	Name  string
}

func (r Request) String() string {
	return strings.ToUpper(r.Method) + " " + r.Endpoint
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Decode(out any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, out)
}

// Client executes requests under a shared sliding-window rate limit and
// retries transient failures with exponential backoff.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	limiter    *Limiter
	clock      Clock
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	userAgent  string
	logger     logrus.FieldLogger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(LimiterOptions{Clock: clock})
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 16 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		limiter:    limiter,
		clock:      clock,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     logger,
	}
}

// Execute performs req, consuming one unit of rate budget per physical
// attempt. It returns *TransientServiceError once retries are exhausted and
// *PermanentServiceError for any other non-2xx status.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("kanban client is nil")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	endpoint := "/" + strings.TrimLeft(strings.TrimSpace(req.Endpoint), "/")
	retries := c.maxRetries
	if !retryable(method, req) {
		retries = 0
	}
	correlationID := uuid.NewString()
	logger := c.logger.WithFields(logrus.Fields{
		"method":         method,
		"endpoint":       endpoint,
		"correlation_id": correlationID,
	})

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		httpReq, err := c.newHTTPRequest(ctx, method, endpoint, req, correlationID)
		if err != nil {
			return nil, err
		}
		logger.WithField("attempt", attempt+1).Debug("kanban request")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if attempt < retries {
				logger.WithError(err).WithField("attempt", attempt+1).Warn("kanban request failed; retrying")
				if waitErr := c.clock.Sleep(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &TransientServiceError{Method: method, Endpoint: endpoint, Attempts: attempt + 1, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if attempt < retries {
				if waitErr := c.clock.Sleep(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &TransientServiceError{Method: method, Endpoint: endpoint, Attempts: attempt + 1, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
		}

		message := errorMessage(payload)
		if transientStatus(resp.StatusCode) {
			limit := retries
			if resp.StatusCode == http.StatusTooManyRequests {
				// A throttled request was rejected before it was applied.
				limit = c.maxRetries
			}
			if attempt < limit {
				logger.WithFields(logrus.Fields{
					"attempt": attempt + 1,
					"status":  resp.StatusCode,
				}).Warn("kanban transient status; retrying")
				if waitErr := c.clock.Sleep(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &TransientServiceError{
				Method:     method,
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
				Err:        errors.New(message),
			}
		}

		logger.WithField("status", resp.StatusCode).Error("kanban request rejected")
		return nil, &PermanentServiceError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, method, endpoint string, req Request, correlationID string) (*http.Request, error) {
	query := url.Values{}
	if c.apiKey != "" {
		query.Set("key", c.apiKey)
	}
	if c.token != "" {
		query.Set("token", c.token)
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Upload != nil:
		buf, ct, err := multipartBody(req.Upload, req.Params)
		if err != nil {
			return nil, err
		}
		body = buf
		contentType = ct
	case method == http.MethodGet || method == http.MethodHead || method == http.MethodDelete || method == http.MethodOptions:
		for key, values := range req.Params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
	case len(req.Params) > 0:
		body = strings.NewReader(req.Params.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	target := c.baseURL + endpoint
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", correlationID)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	return httpReq, nil
}

func multipartBody(upload *Upload, params url.Values) (*bytes.Buffer, string, error) {
	file, err := os.Open(upload.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open upload %s: %w", upload.Path, err)
	}
	defer file.Close()

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for key, values := range params {
		for _, value := range values {
			if err := writer.WriteField(key, value); err != nil {
				return nil, "", err
			}
		}
	}
	field := upload.Field
	if field == "" {
		field = "file"
	}
	name := upload.Name
	if name == "" {
		name = filepath.Base(upload.Path)
	}
	part, err := writer.CreateFormFile(field, name)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}

func retryable(method string, req Request) bool {
	if req.NoRetry {
		return false
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodPost:
		return true
	default:
		return false
	}
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func errorMessage(payload []byte) string {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(payload, &parsed) == nil {
		if strings.TrimSpace(parsed.Message) != "" {
			return parsed.Message
		}
		if strings.TrimSpace(parsed.Error) != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(payload))
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader, c.clock.Now()); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}
