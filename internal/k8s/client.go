package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultTokenFile     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	defaultCAFile        = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	defaultRetryAttempts = 4
	defaultRetryBackoff  = 250 * time.Millisecond
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
	ErrInvalid       = errors.New("kubernetes resource rejected")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

// IsTransient reports whether an error from this client may succeed on
// retry: connectivity failures, throttling, and server-side 5xx. The
// sentinel errors (not found, forbidden, rejected spec) are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInvalid):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	// Anything else is a transport-level failure.
	return true
}

type Client struct {
	baseURL       string
	token         string
	namespace     string
	http          *http.Client
	retryAttempts int
	retryBackoff  time.Duration
}

type ClientConfig struct {
	BaseURL     string
	BearerToken string
	Namespace   string
	CACertPEM   []byte

	// Retry policy for idempotent reads. Zero values take defaults.
	RetryAttempts int
	RetryBackoff  time.Duration

	// HTTPClient overrides the transport entirely (tests).
	HTTPClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{}
		if len(cfg.CACertPEM) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(cfg.CACertPEM) {
				return nil, errors.New("invalid ca bundle")
			}
			transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   15 * time.Second,
		}
	}

	retryAttempts := cfg.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = defaultRetryAttempts
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}

	return &Client{
		baseURL:       baseURL,
		token:         strings.TrimSpace(cfg.BearerToken),
		namespace:     namespace,
		http:          httpClient,
		retryAttempts: retryAttempts,
		retryBackoff:  retryBackoff,
	}, nil
}

func NewInClusterClient() (*Client, error) {
	host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
	port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
	baseURL := "https://kubernetes.default.svc"
	if host != "" {
		if port == "" {
			port = "443"
		}
		baseURL = "https://" + host + ":" + port
	}

	tokenBytes, err := os.ReadFile(defaultTokenFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return nil, errors.New("serviceaccount token is empty")
	}

	namespaceBytes, err := os.ReadFile(defaultNamespaceFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount namespace: %w", err)
	}
	namespace := strings.TrimSpace(string(namespaceBytes))
	if namespace == "" {
		return nil, errors.New("serviceaccount namespace is empty")
	}

	caBytes, err := os.ReadFile(defaultCAFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount ca: %w", err)
	}

	return NewClient(ClientConfig{
		BaseURL:     baseURL,
		BearerToken: token,
		Namespace:   namespace,
		CACertPEM:   caBytes,
	})
}

func (c *Client) Namespace() string {
	return c.namespace
}

// CreateJob submits a batch/v1 Job. Never retried here: only the caller can
// decide whether a lost response means the job already exists server-side.
func (c *Client) CreateJob(ctx context.Context, namespace string, job Job) error {
	namespace = c.orDefault(namespace)
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	job.Metadata.Namespace = namespace

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) GetJob(ctx context.Context, namespace string, name string) (Job, error) {
	namespace = c.orDefault(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", namespace, name)
	var out Job
	if err := c.getRetry(ctx, path, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

func (c *Client) ListJobs(ctx context.Context, namespace string, labelSelector string) ([]Job, error) {
	namespace = c.orDefault(namespace)
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", namespace)
	if selector := strings.TrimSpace(labelSelector); selector != "" {
		path += "?labelSelector=" + url.QueryEscape(selector)
	}
	var out JobList
	if err := c.getRetry(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// DeleteJob requests deletion of a job and its pods. Not retried: deletion
// of an already-deleted job surfaces ErrNotFound for the caller to interpret.
func (c *Client) DeleteJob(ctx context.Context, namespace string, name string) error {
	namespace = c.orDefault(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name is required")
	}
	body := []byte(`{"kind":"DeleteOptions","apiVersion":"v1","propagationPolicy":"Background"}`)
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", namespace, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// JobLogs fetches the log tail of the pod backing a job. Finite once the
// worker has terminated; restartable from the beginning, not resumable.
func (c *Client) JobLogs(ctx context.Context, namespace string, jobName string, tailLines int64) ([]byte, error) {
	namespace = c.orDefault(namespace)
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return nil, errors.New("job name is required")
	}

	podsPath := fmt.Sprintf("/api/v1/namespaces/%s/pods?labelSelector=%s", namespace,
		url.QueryEscape("job-name="+jobName))
	var pods PodList
	if err := c.getRetry(ctx, podsPath, &pods); err != nil {
		return nil, err
	}
	if len(pods.Items) == 0 {
		return nil, ErrNotFound
	}

	podName := pods.Items[len(pods.Items)-1].Metadata.Name
	logPath := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/log", namespace, podName)
	if tailLines > 0 {
		logPath += fmt.Sprintf("?tailLines=%d", tailLines)
	}

	var raw []byte
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+logPath, nil)
		if err != nil {
			return err
		}
		data, err := c.doRaw(req)
		if err != nil {
			return err
		}
		raw = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) orDefault(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = c.namespace
	}
	return namespace
}

func (c *Client) getRetry(ctx context.Context, path string, out any) error {
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		return c.do(req, out)
	})
}

// withRetry re-runs an idempotent call on transient errors with exponential
// backoff, up to the configured attempt count.
func (c *Client) withRetry(ctx context.Context, call func() error) error {
	backoff := c.retryBackoff
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = call()
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}

func (c *Client) do(req *http.Request, out any) error {
	body, err := c.doRaw(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode kubernetes response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(req *http.Request) ([]byte, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return body, nil
	case http.StatusConflict:
		return nil, ErrAlreadyExists
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusForbidden:
		return nil, ErrForbidden
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(string(body)))
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
