// Package notify delivers operator alerts over a webhook. Alerting is a
// side effect everywhere it is used: callers log delivery failures and
// move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

// Notifier posts messages to a webhook URL. A Notifier with an empty URL
// is valid and drops every message, so callers never need a nil check.
type Notifier struct {
	url  string
	http *http.Client
}

// New returns a Notifier for the given webhook URL.
func New(url string) *Notifier {
	return &Notifier{
		url:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Notify delivers one message. Transient failures are retried a few
// times before the error is returned.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n.url == "" {
		log.WithField("text", text).Debug("operator alert dropped, no webhook configured")
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := n.http.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("webhook returned %d", resp.StatusCode)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
