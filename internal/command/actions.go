package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Action names accepted by [BuildHandler].
const (
	ActionLog     = "log"
	ActionExec    = "exec"
	ActionWebhook = "webhook"
)

// DefaultActionTimeout bounds exec and webhook actions.
const DefaultActionTimeout = 5 * time.Second

// BuildHandler returns the handler for a configured action. An empty action
// means log.
func BuildHandler(action, target string) (Handler, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "", ActionLog:
		return LogHandler(), nil
	case ActionExec:
		if strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("command: exec action needs a target command")
		}
		return ExecHandler(target), nil
	case ActionWebhook:
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			return nil, fmt.Errorf("command: webhook target %q is not an http(s) URL", target)
		}
		return WebhookHandler(target, nil), nil
	default:
		return nil, fmt.Errorf("command: unknown action %q", action)
	}
}

// LogHandler logs the event and does nothing else.
func LogHandler() Handler {
	return func(_ context.Context, ev Event) error {
		slog.Info("command: triggered", "group", ev.Group, "keyword", ev.Keyword, "text", ev.Text)
		return nil
	}
}

// ExecHandler runs cmdline split on whitespace. The event is passed in the
// VOXCMD_TEXT, VOXCMD_GROUP and VOXCMD_KEYWORD environment variables.
func ExecHandler(cmdline string) Handler {
	args := strings.Fields(cmdline)
	return func(ctx context.Context, ev Event) error {
		ctx, cancel := context.WithTimeout(ctx, DefaultActionTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Env = append(os.Environ(),
			"VOXCMD_TEXT="+ev.Text,
			"VOXCMD_GROUP="+ev.Group,
			"VOXCMD_KEYWORD="+ev.Keyword,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("command: exec %s: %w (output: %s)", args[0], err, bytes.TrimSpace(out))
		}
		slog.Debug("command: exec finished", "cmd", args[0], "output", string(bytes.TrimSpace(out)))
		return nil
	}
}

// WebhookHandler POSTs the event as JSON to url. Non-2xx responses are
// errors. A nil client uses one with [DefaultActionTimeout].
func WebhookHandler(url string, client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: DefaultActionTimeout}
	}
	return func(ctx context.Context, ev Event) error {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("command: webhook: marshal event: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("command: webhook: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("command: webhook: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("command: webhook: unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}
