package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// doWithRetry issues req with a bounded exponential backoff, retrying only
// on transport-level failures (connection refused, DNS, timeout) and 5xx
// responses. req.Body (if any) is buffered up front so each retry attempt
// gets a fresh reader; http.Request.Clone shares the original reader,
// which would otherwise be exhausted after the first attempt.
func doWithRetry(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = 5 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, 3), ctx)

	var resp *http.Response
	err := backoff.Retry(func() error {
		attempt := req.Clone(ctx)
		if bodyBytes != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			attempt.ContentLength = int64(len(bodyBytes))
		}
		r, err := client.Do(attempt)
		if err != nil {
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			r.Body.Close()
			return fmt.Errorf("provider: upstream returned server error status %d", r.StatusCode)
		}
		resp = r
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
