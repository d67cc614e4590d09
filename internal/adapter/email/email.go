// Package email delivers email jobs through an HTTP provider API and maps
// the provider's callback vocabulary onto the delivery log.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

// SuppressionList is the slice of the preference store the adapter needs:
// hard bounces and complaints add entries; sends check them.
type SuppressionList interface {
	AddSuppression(ctx context.Context, channel, handle, reason string) error
	IsSuppressed(ctx context.Context, channel, handle string) (bool, string, error)
}

// Config holds provider connection settings.
type Config struct {
	BaseURL     string
	APIKey      string
	FromAddress string
	Timeout     time.Duration
}

// Adapter implements notify.Adapter for the email channel.
type Adapter struct {
	cfg          Config
	client       *http.Client
	suppressions SuppressionList
	dlog         notify.DeliveryLog
	logger       *telemetry.ContextualLogger
}

// New creates an email adapter.
func New(cfg Config, suppressions SuppressionList, dlog notify.DeliveryLog, logger *telemetry.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:          cfg,
		client:       &http.Client{Timeout: timeout},
		suppressions: suppressions,
		dlog:         dlog,
		logger:       logger.Component("adapter.email"),
	}
}

// Channel returns the channel this adapter serves.
func (a *Adapter) Channel() notify.Channel {
	return notify.ChannelEmail
}

// Capabilities reports static adapter properties.
func (a *Adapter) Capabilities() notify.Capabilities {
	return notify.Capabilities{
		SupportsAttachments: true,
		MaxBodyBytes:        10 << 20,
	}
}

type outboundMessage struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	Ref     string `json:"ref"` // job ID, echoed back in callbacks
}

type batchRequest struct {
	Messages []outboundMessage `json:"messages"`
}

type batchResponse struct {
	Results []struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"` // accepted | rejected
		Error     struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"results"`
}

// Send delivers a batch through the provider's batch endpoint. Per-item
// rejections come back in the response; a transport failure fails the whole
// batch as transient.
func (a *Adapter) Send(ctx context.Context, jobs []*notify.DeliveryJob) []notify.ItemResult {
	results := make([]notify.ItemResult, len(jobs))
	messages := make([]outboundMessage, 0, len(jobs))
	sendIdx := make([]int, 0, len(jobs)) // result slot per outbound message

	for i, j := range jobs {
		results[i].JobID = j.ID
		p := j.Payload.Email
		if p == nil || p.To == "" {
			results[i].Err = apperr.InvalidHandle("email job has no recipient")
			continue
		}

		// The suppression list may have grown since submit.
		suppressed, reason, err := a.suppressions.IsSuppressed(ctx, string(notify.ChannelEmail), p.To)
		if err != nil {
			results[i].Err = apperr.Transient("suppression check failed", err)
			continue
		}
		if suppressed {
			results[i].Err = apperr.Suppressed(reason)
			continue
		}

		messages = append(messages, outboundMessage{
			To:      p.To,
			From:    a.cfg.FromAddress,
			Subject: p.Subject,
			HTML:    p.HTML,
			Text:    p.Text,
			Ref:     j.ID.String(),
		})
		sendIdx = append(sendIdx, i)
	}

	if len(messages) == 0 {
		return results
	}

	resp, err := a.postBatch(ctx, messages)
	if err != nil {
		for _, i := range sendIdx {
			results[i].Err = err
		}
		return results
	}

	for k, i := range sendIdx {
		if k >= len(resp.Results) {
			results[i].Err = apperr.Transient("provider returned a short result list", nil)
			continue
		}
		r := resp.Results[k]
		if r.Status == "accepted" {
			results[i].ProviderMessageID = r.MessageID
			continue
		}
		results[i].Err = classifyRejection(r.Error.Code, r.Error.Message)
	}
	return results
}

func (a *Adapter) postBatch(ctx context.Context, messages []outboundMessage) (*batchResponse, error) {
	body, err := json.Marshal(batchRequest{Messages: messages})
	if err != nil {
		return nil, apperr.Internal("failed to encode batch request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages/batch", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	httpResp, err := a.client.Do(req)
	if err != nil {
		return nil, apperr.Transient("email provider unreachable", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Minute
		if s := httpResp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, apperr.RateLimited("email provider", retryAfter)
	}
	if httpResp.StatusCode >= 500 {
		return nil, apperr.Transient(fmt.Sprintf("email provider returned %d", httpResp.StatusCode), nil)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, apperr.Permanent(fmt.Sprintf("email provider rejected batch with %d", httpResp.StatusCode), nil)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.Transient("failed to read provider response", err)
	}
	var resp batchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperr.Transient("failed to decode provider response", err)
	}
	return &resp, nil
}

func classifyRejection(code, message string) error {
	switch code {
	case "invalid_recipient", "malformed_address":
		return apperr.InvalidHandle(message)
	case "rate_limited":
		return apperr.RateLimited("email provider", time.Minute)
	case "temporary_failure", "queue_full":
		return apperr.Transient(message, nil)
	default:
		return apperr.Permanent(fmt.Sprintf("%s: %s", code, message), nil)
	}
}

// HandleProviderCallback applies an asynchronous delivery event. Hard
// bounces and complaints also suppress the recipient so the next submit is
// dropped before it reaches the provider.
func (a *Adapter) HandleProviderCallback(ctx context.Context, ev notify.ProviderEvent) error {
	var status notify.AttemptStatus
	suppressReason := ""

	switch ev.Status {
	case "delivered":
		status = notify.AttemptDelivered
	case "open":
		status = notify.AttemptOpened
	case "click":
		status = notify.AttemptClicked
	case "soft_bounce", "deferred":
		status = notify.AttemptFailed
	case "hard_bounce":
		status = notify.AttemptBounced
		suppressReason = "hard bounce"
	case "complaint":
		status = notify.AttemptBounced
		suppressReason = "spam complaint"
	default:
		return apperr.Invalid("status", fmt.Sprintf("unknown email event %q", ev.Status))
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	err := a.dlog.UpdateStatusByProviderID(ctx, ev.ProviderMessageID, status, at)
	if err != nil {
		if err == notify.ErrRegression {
			// Out-of-order callback; the stored status already supersedes it.
			return nil
		}
		return err
	}

	if suppressReason != "" && ev.Handle != "" {
		if err := a.suppressions.AddSuppression(ctx, string(notify.ChannelEmail), ev.Handle, suppressReason); err != nil {
			a.logger.WithError(err).WithField("handle", maskHandle(ev.Handle)).Error("suppression add failed")
		} else {
			a.logger.WithFields(map[string]interface{}{
				"handle": maskHandle(ev.Handle), "reason": suppressReason,
			}).Info("recipient suppressed")
		}
	}
	return nil
}

// maskHandle hides most of an address in logs.
func maskHandle(handle string) string {
	if len(handle) <= 4 {
		return "****"
	}
	return handle[:2] + "****" + handle[len(handle)-2:]
}
