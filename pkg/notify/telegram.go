// Package notify nudges the approver over Telegram when a request is
// waiting for a decision.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Mindburn-Labs/puffer/broker/pkg/intake"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

var monthNames = [...]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// Telegram sends nudges through the Bot API.
type Telegram struct {
	token  string
	chatID string
	http   *resty.Client
}

// NewTelegram returns nil when token or chatID is empty, which disables
// nudges.
func NewTelegram(apiBase, token, chatID string) *Telegram {
	if token == "" || chatID == "" {
		return nil
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	client := resty.New().
		SetBaseURL(apiBase).
		SetHeader("User-Agent", "puffer-broker/1.0").
		SetTimeout(10 * time.Second)
	return &Telegram{token: token, chatID: chatID, http: client}
}

// Enabled reports whether t will send anything.
func (t *Telegram) Enabled() bool {
	return t != nil
}

// PendingText renders the approval nudge.
func PendingText(requestID string, month, year int) string {
	label := strconv.Itoa(month)
	if month >= 1 && month <= len(monthNames) {
		label = monthNames[month-1]
	}
	return strings.Join([]string{
		"🐡 Statement Request",
		"",
		"Bank: Default",
		fmt.Sprintf("Period: %s %d", label, year),
		"Request ID: " + requestID,
		"",
		"Open Secure Data Fetcher on iPhone to approve.",
	}, "\n")
}

// NotifyPending implements intake.Notifier.
func (t *Telegram) NotifyPending(ctx context.Context, n intake.Nudge) error {
	if !t.Enabled() {
		return nil
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"chat_id": t.chatID,
			"text":    PendingText(n.RequestID, n.Params.Month, n.Params.Year),
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		// The request URL carries the bot token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("telegram request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram error (%d)", resp.StatusCode())
	}
	return nil
}
