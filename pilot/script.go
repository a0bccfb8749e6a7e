package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/browser"
	"github.com/itskum47/wordpilot/pilot/mail"
)

// execScript bridges to the external automation command. The contract:
// `<cmd> accept <url>` performs the accept flow, `<cmd> status <url>`
// prints the platform's status indicator to stdout. The session's
// DevTools endpoint and the order id travel via environment variables.
type execScript struct {
	command string
}

// debugEndpointer is implemented by process-backed sessions.
type debugEndpointer interface {
	DebugURL() string
}

func (s *execScript) env(sess browser.Session, orderID string) []string {
	env := os.Environ()
	if ep, ok := sess.(debugEndpointer); ok {
		env = append(env, "WORDPILOT_BROWSER_URL="+ep.DebugURL())
	}
	if orderID != "" {
		env = append(env, "WORDPILOT_ORDER_ID="+orderID)
	}
	return env
}

// Accept runs the accept flow for one offer.
func (s *execScript) Accept(ctx context.Context, sess browser.Session, offer mail.TaskOffer) error {
	if s.command == "" {
		log.WithField("orderId", offer.OrderID).Warn("no automation command configured, accept flow skipped")
		return nil
	}
	cmd := exec.CommandContext(ctx, s.command, "accept", offer.URL)
	cmd.Env = s.env(sess, offer.OrderID)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	msg := strings.TrimSpace(string(out))
	// The script signals an expired platform session with a bare
	// sentinel on its output; pass it through untouched so the
	// coordinator can trigger a restart.
	if strings.Contains(msg, loginExpiredMessage) {
		return errors.New(loginExpiredMessage)
	}
	if msg != "" {
		return fmt.Errorf("accept script: %s", firstLine(msg))
	}
	return fmt.Errorf("accept script: %w", err)
}

// ReadStatus reads the platform's status indicator for a task URL.
func (s *execScript) ReadStatus(ctx context.Context, sess browser.Session, url string) (string, error) {
	if s.command == "" {
		return "", errors.New("no automation command configured")
	}
	cmd := exec.CommandContext(ctx, s.command, "status", url)
	cmd.Env = s.env(sess, "")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("status script: %w", err)
	}
	status := strings.TrimSpace(string(out))
	if status == "" {
		return "", errors.New("unable to read status")
	}
	return status, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
