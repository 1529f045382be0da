package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carepro-cli/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenSource возвращает текущий токен доступа, пустая строка - без авторизации
type TokenSource func() (string, error)

// Client REST клиент бэкенда CarePro
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	token   TokenSource
	limiter *RateLimiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Client)

// WithTimeout задаёт таймаут одного запроса. Применяется ко всем вызовам.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

func WithRateLimiter(rl *RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("api") }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: 30 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL адрес API без завершающего слэша
func (c *Client) BaseURL() string { return c.baseURL }

// do выполняет запрос и возвращает тело успешного ответа
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	if c.limiter != nil && !c.limiter.IsAllowed(limiterKey(method, path)) {
		return nil, ErrRateLimited
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	requestID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return nil, fmt.Errorf("error reading token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.IncrementAPICall(false)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.IncrementAPICall(false)
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	ok := resp.StatusCode < 400
	c.metrics.IncrementAPICall(ok)
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("request_id", requestID))

	if !ok {
		return nil, newAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// getJSON/sendJSON декодируют ответ, снимая обёртку {success, data, message}
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return decodeData(body, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := c.do(ctx, method, path, nil, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeData(body, out)
}

// envelope стандартная обёртка ответов бэкенда
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// unwrap возвращает содержимое data, если ответ обёрнут, иначе тело целиком
func unwrap(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return trimmed
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		return env.Data
	}
	return trimmed
}

func decodeData(body []byte, out any) error {
	data := unwrap(body)
	if len(data) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}

func limiterKey(method, path string) string {
	segment := strings.TrimPrefix(path, "/")
	if i := strings.Index(segment, "/"); i >= 0 {
		segment = segment[:i]
	}
	return method + " " + segment
}
