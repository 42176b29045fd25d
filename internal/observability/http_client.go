package observability

import (
	"net/http"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

// TracedClient returns an HTTP client whose requests are recorded as Sentry
// spans. Trace headers are only sent to the listed hosts.
func TracedClient(timeout time.Duration, propagateTo ...string) *http.Client {
	var opts []sentryhttpclient.SentryRoundTripTracerOption
	if len(propagateTo) > 0 {
		opts = append(opts, sentryhttpclient.WithTracePropagationTargets(propagateTo))
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: sentryhttpclient.NewSentryRoundTripper(http.DefaultTransport, opts...),
	}
}
