package pennant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPStore is a FlagStore backed by a remote flag service speaking the
// flag record JSON schema over REST:
//
//	GET    {base}/flags          -> [Flag]
//	GET    {base}/flags/{key}    -> Flag (404 when unknown)
//	PUT    {base}/flags/{key}    <- Flag
//	DELETE {base}/flags/{key}
type HTTPStore struct {
	client *resty.Client
}

// HTTPStoreOption configures an HTTPStore.
type HTTPStoreOption func(*resty.Client)

// WithHTTPTimeout sets the per-request timeout. Default 5s.
func WithHTTPTimeout(timeout time.Duration) HTTPStoreOption {
	return func(c *resty.Client) { c.SetTimeout(timeout) }
}

// WithHTTPRetries sets the retry count for failed requests. Default 3,
// with resty's default exponential backoff.
func WithHTTPRetries(count int) HTTPStoreOption {
	return func(c *resty.Client) { c.SetRetryCount(count) }
}

// WithHTTPAuthToken sends a bearer token on every request.
func WithHTTPAuthToken(token string) HTTPStoreOption {
	return func(c *resty.Client) { c.SetAuthToken(token) }
}

// WithHTTPLogger routes the client's logging through a slog.Logger.
func WithHTTPLogger(logger *slog.Logger) HTTPStoreOption {
	return func(c *resty.Client) { c.SetLogger(slogRestyLogger{logger}) }
}

// NewHTTPStore creates a store client for the given base URL.
func NewHTTPStore(baseURL string, opts ...HTTPStoreOption) *HTTPStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(3)
	for _, opt := range opts {
		opt(client)
	}
	return &HTTPStore{client: client}
}

// Get fetches a single flag record.
func (s *HTTPStore) Get(ctx context.Context, key string) (*Flag, error) {
	var flag Flag
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&flag).
		Get("/flags/" + key)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "get", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, &NotFoundError{FlagKey: key}
	}
	if resp.IsError() {
		return nil, &StoreUnavailableError{Op: "get", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return &flag, nil
}

// List fetches all flag records.
func (s *HTTPStore) List(ctx context.Context) ([]Flag, error) {
	var flags []Flag
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&flags).
		Get("/flags")
	if err != nil {
		return nil, &StoreUnavailableError{Op: "list", Err: err}
	}
	if resp.IsError() {
		return nil, &StoreUnavailableError{Op: "list", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return flags, nil
}

// Put writes a flag record.
func (s *HTTPStore) Put(ctx context.Context, flag *Flag) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(flag).
		Put("/flags/" + flag.Key)
	if err != nil {
		return &StoreUnavailableError{Op: "put", Err: err}
	}
	if resp.IsError() {
		return &StoreUnavailableError{Op: "put", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return nil
}

// Delete removes a flag record. A 404 is not an error.
func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		Delete("/flags/" + key)
	if err != nil {
		return &StoreUnavailableError{Op: "delete", Err: err}
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return &StoreUnavailableError{Op: "delete", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return nil
}

// slogRestyLogger adapts a slog.Logger to resty's logger interface.
type slogRestyLogger struct {
	logger *slog.Logger
}

func (l slogRestyLogger) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l slogRestyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l slogRestyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
