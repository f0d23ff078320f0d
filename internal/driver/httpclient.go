package driver

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// HTTPOptions configures the clients used by HTTP based drivers
type HTTPOptions struct {
	Timeout  time.Duration
	RetryMax int
	Logger   *zap.Logger
}

// newHTTPClient returns a retrying client. Transport errors and 5xx responses
// are retried with backoff; the final response is handed back to the caller
// rather than replaced by a "giving up" error.
func newHTTPClient(opts HTTPOptions, verifyTLS bool) *retryablehttp.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyTLS} //nolint:gosec // BMCs commonly use self-signed certificates

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Transport: transport, Timeout: opts.Timeout}
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = zapLeveledLogger{logger: opts.Logger}
	return c
}

// zapLeveledLogger adapts zap to retryablehttp.LeveledLogger
type zapLeveledLogger struct {
	logger *zap.Logger
}

func (l zapLeveledLogger) Error(msg string, kv ...interface{}) { l.sugar().Errorw(msg, kv...) }
func (l zapLeveledLogger) Info(msg string, kv ...interface{})  { l.sugar().Debugw(msg, kv...) }
func (l zapLeveledLogger) Debug(msg string, kv ...interface{}) { l.sugar().Debugw(msg, kv...) }
func (l zapLeveledLogger) Warn(msg string, kv ...interface{})  { l.sugar().Warnw(msg, kv...) }

func (l zapLeveledLogger) sugar() *zap.SugaredLogger {
	if l.logger == nil {
		return zap.NewNop().Sugar()
	}
	return l.logger.Sugar()
}
