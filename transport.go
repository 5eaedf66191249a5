package signalr

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	scraper "github.com/carterjones/go-cloudflare-scraper"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the way a transport request completed.
type Outcome int

const (
	// Success means the server answered with a 2xx status.
	Success Outcome = iota

	// Failure means the server answered with any other status, or the
	// request could not be performed at all.
	Failure

	// Timeout means no answer arrived in time.
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Timeout:
		return "timeout"
	}

	return "unknown"
}

// NoStatus is the code reported for failures that happened before any HTTP
// status was received.
const NoStatus = -1

// Result is the completion of one transport request.
type Result struct {
	Outcome Outcome

	// response body, set on Success
	Body []byte

	// HTTP status code, set on Failure (NoStatus if there was none)
	Code int

	// underlying error, if any; informational only
	Err error
}

// Succeeded returns a successful Result carrying body.
func Succeeded(body []byte) Result {
	return Result{Outcome: Success, Body: body}
}

// Failed returns a failed Result carrying an HTTP status code.
func Failed(code int) Result {
	return Result{Outcome: Failure, Code: code}
}

// TimedOut returns a Result for a request that timed out.
func TimedOut() Result {
	return Result{Outcome: Timeout}
}

// Callback receives the completion of a transport request. It is called exactly
// once per request, possibly from another goroutine.
type Callback func(Result)

// Transport issues asynchronous requests relative to a base endpoint fixed at
// construction. None of its methods block waiting for the network.
type Transport interface {
	Post(path string, body []byte, cb Callback)
	Get(path string, cb Callback)
	Delete(path string, body []byte, cb Callback)
}

// DefaultTimeout is longer than the time an ASP.NET Core server holds a poll
// request open (90 seconds).
const DefaultTimeout = 100 * time.Second

const tracerName = "github.com/carterjones/signalr-longpoll"

// HTTPTransport implements Transport on top of net/http. Each request runs in
// its own goroutine.
type HTTPTransport struct {
	// The base URL of the hub, e.g. http://localhost:5262/hub. Request paths
	// are appended to it verbatim.
	BaseURL string

	// The HTTPClient used to perform requests.
	HTTPClient *http.Client

	// Header values that should be applied to all HTTP requests.
	Headers map[string]string

	// The time allowed for a request, including reading the body. Zero means
	// no limit.
	Timeout time.Duration

	// An optional tracer. When nil, the global OpenTelemetry tracer provider
	// is used.
	Tracer trace.Tracer
}

// NewHTTPTransport creates a transport for the hub at baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	// Create an HTTP client that supports CloudFlare-protected sites by
	// default.
	cfTransport := scraper.NewTransport(http.DefaultTransport)
	httpClient := &http.Client{
		Transport: cfTransport,
		Jar:       cfTransport.Cookies,
	}

	return &HTTPTransport{
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Headers:    make(map[string]string),
		Timeout:    DefaultTimeout,
	}
}

// Post implements Transport.
func (t *HTTPTransport) Post(path string, body []byte, cb Callback) {
	go func() { cb(t.Do(http.MethodPost, path, body)) }()
}

// Get implements Transport.
func (t *HTTPTransport) Get(path string, cb Callback) {
	go func() { cb(t.Do(http.MethodGet, path, nil)) }()
}

// Delete implements Transport.
func (t *HTTPTransport) Delete(path string, body []byte, cb Callback) {
	go func() { cb(t.Do(http.MethodDelete, path, body)) }()
}

func (t *HTTPTransport) tracer() trace.Tracer {
	if t.Tracer != nil {
		return t.Tracer
	}

	return otel.Tracer(tracerName)
}

func prepareRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error) {
	var r io.Reader
	if len(body) > 0 {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, errors.Wrap(err, "request creation failed")
	}

	if len(body) > 0 {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	// Add all header values.
	for k, v := range headers {
		req.Header.Add(k, v)
	}

	return req, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Do performs one request synchronously and classifies its completion.
func (t *HTTPTransport) Do(method, path string, body []byte) Result {
	ctx := context.Background()
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	url := t.BaseURL + path
	ctx, span := t.tracer().Start(ctx, "signalr "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", url),
		),
	)
	defer span.End()

	res := t.do(ctx, method, url, body)

	switch res.Outcome {
	case Success:
		span.SetStatus(codes.Ok, "")
	case Timeout:
		span.SetStatus(codes.Error, "timeout")
	case Failure:
		span.SetStatus(codes.Error, res.Outcome.String())
		if res.Err != nil {
			span.RecordError(res.Err)
		}
	}
	if res.Code > 0 {
		span.SetAttributes(attribute.Int("http.status_code", res.Code))
	}

	return res
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, body []byte) Result {
	req, err := prepareRequest(ctx, method, url, body, t.Headers)
	if err != nil {
		return Result{Outcome: Failure, Code: NoStatus, Err: errors.Wrap(err, "request preparation failed")}
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return Result{Outcome: Timeout, Err: err}
		}
		return Result{Outcome: Failure, Code: NoStatus, Err: errors.Wrap(err, "request failed")}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return Result{Outcome: Timeout, Code: resp.StatusCode, Err: err}
		}
		return Result{Outcome: Failure, Code: resp.StatusCode, Err: errors.Wrap(err, "read failed")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Outcome: Failure, Code: resp.StatusCode, Err: errors.Errorf("request failed: %s", resp.Status)}
	}

	return Result{Outcome: Success, Body: data, Code: resp.StatusCode}
}
