package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/relay/internal/model"
)

// Webhook hands messages to an SMS gateway over HTTP. The gateway answers
// 202 Accepted with a messageId when it took the message.
type Webhook struct {
	url        string
	contentMax int
	client     *http.Client
	logger     *slog.Logger
}

func NewWebhook(url string, contentMax int, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:        url,
		contentMax: contentMax,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Attempt maps gateway rejections to an unsuccessful outcome and
// unreachable-gateway conditions to an error.
func (w *Webhook) Attempt(ctx context.Context, m model.Message) (Outcome, error) {
	if w.contentMax > 0 && utf8.RuneCountInString(m.Content) > w.contentMax {
		w.logger.Warn("content too long for gateway", "message_id", m.ID, "max", w.contentMax)
		return Outcome{Success: false}, nil
	}

	remoteID, err := w.send(ctx, m.Receiver, m.Content)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}

	w.logger.Debug("gateway accepted message", "message_id", m.ID, "remote_id", remoteID)
	return Outcome{Success: true}, nil
}

func (w *Webhook) send(ctx context.Context, phoneNumber, message string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phoneNumber,
		Message:     message,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}
