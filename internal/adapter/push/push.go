package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

// Config holds provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Adapter implements notify.Adapter for the push channel. A job targets
// either an explicit token set, the user's registered devices, or a topic;
// a user-targeted job with zero active devices fails permanently.
type Adapter struct {
	cfg      Config
	client   *http.Client
	registry Registry
	dlog     notify.DeliveryLog
	events   *bus.Bus
	logger   *telemetry.ContextualLogger
}

// New creates a push adapter.
func New(cfg Config, registry Registry, dlog notify.DeliveryLog, events *bus.Bus, logger *telemetry.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		registry: registry,
		dlog:     dlog,
		events:   events,
		logger:   logger.Component("adapter.push"),
	}
}

// Channel returns the channel this adapter serves.
func (a *Adapter) Channel() notify.Channel {
	return notify.ChannelPush
}

// Capabilities reports static adapter properties.
func (a *Adapter) Capabilities() notify.Capabilities {
	return notify.Capabilities{SupportsTopics: true, MaxBodyBytes: 4096}
}

type pushRequest struct {
	Tokens []string          `json:"tokens,omitempty"`
	Topic  string            `json:"topic,omitempty"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
	Ref    string            `json:"ref"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
	Results   []struct {
		Token string `json:"token"`
		Error string `json:"error,omitempty"` // unregistered | invalid_token | throttled | internal
	} `json:"results"`
}

// Send delivers each job as one provider call fanning out to the job's
// target tokens. The job succeeds when at least one device accepts.
func (a *Adapter) Send(ctx context.Context, jobs []*notify.DeliveryJob) []notify.ItemResult {
	results := make([]notify.ItemResult, len(jobs))
	for i, j := range jobs {
		results[i] = a.sendJob(ctx, j)
	}
	return results
}

func (a *Adapter) sendJob(ctx context.Context, j *notify.DeliveryJob) notify.ItemResult {
	res := notify.ItemResult{JobID: j.ID}

	p := j.Payload.Push
	if p == nil {
		res.Err = apperr.Invalid("payload", "push job has no payload")
		return res
	}

	tokens := p.Tokens
	if len(tokens) == 0 && p.Topic == "" {
		expanded, err := a.registry.ActiveTokens(ctx, j.UserID)
		if err != nil {
			res.Err = apperr.Transient("token expansion failed", err)
			return res
		}
		tokens = expanded
	}
	if len(tokens) == 0 && p.Topic == "" {
		res.Err = apperr.Permanent("user has no active devices", nil)
		return res
	}

	resp, err := a.post(ctx, pushRequest{
		Tokens: tokens,
		Topic:  p.Topic,
		Title:  p.Title,
		Body:   p.Body,
		Data:   p.Data,
		Ref:    j.ID.String(),
	})
	if err != nil {
		res.Err = err
		return res
	}

	// Topic sends carry no per-token results.
	if p.Topic != "" && len(tokens) == 0 {
		res.ProviderMessageID = resp.MessageID
		return res
	}

	accepted, dead, transient := a.settleTokens(ctx, j.UserID, resp)
	switch {
	case accepted > 0:
		res.ProviderMessageID = resp.MessageID
	case transient > 0:
		res.Err = apperr.Transient(fmt.Sprintf("%d of %d devices failed transiently", transient, len(tokens)), nil)
	default:
		res.Err = apperr.Permanent(fmt.Sprintf("all %d devices rejected the message", dead), nil)
	}
	return res
}

// settleTokens applies per-token outcomes: dead tokens are deactivated so
// the next expansion skips them, live ones get their last-used bump.
func (a *Adapter) settleTokens(ctx context.Context, userID string, resp *pushResponse) (accepted, dead, transient int) {
	var touched []string
	for _, r := range resp.Results {
		switch r.Error {
		case "":
			accepted++
			touched = append(touched, r.Token)
		case "unregistered", "invalid_token":
			dead++
			if err := a.registry.Deactivate(ctx, r.Token); err != nil {
				a.logger.WithError(err).Error("token deactivation failed")
			} else {
				a.events.Publish(bus.Event{
					Type:   bus.EventTokenDeactivated,
					UserID: userID,
				})
			}
		case "throttled", "internal":
			transient++
		default:
			dead++
		}
	}
	if err := a.registry.Touch(ctx, touched); err != nil {
		a.logger.WithError(err).Error("token touch failed")
	}
	return accepted, dead, transient
}

func (a *Adapter) post(ctx context.Context, reqBody pushRequest) (*pushResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperr.Internal("failed to encode push request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	httpResp, err := a.client.Do(req)
	if err != nil {
		return nil, apperr.Transient("push provider unreachable", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.RateLimited("push provider", time.Minute)
	}
	if httpResp.StatusCode >= 500 {
		return nil, apperr.Transient(fmt.Sprintf("push provider returned %d", httpResp.StatusCode), nil)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, apperr.Permanent(fmt.Sprintf("push provider rejected request with %d", httpResp.StatusCode), nil)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.Transient("failed to read provider response", err)
	}
	var resp pushResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperr.Transient("failed to decode provider response", err)
	}
	return &resp, nil
}

// HandleProviderCallback applies an asynchronous push event. An
// "unregistered" event deactivates the token named in the handle field.
func (a *Adapter) HandleProviderCallback(ctx context.Context, ev notify.ProviderEvent) error {
	var status notify.AttemptStatus
	switch ev.Status {
	case "delivered":
		status = notify.AttemptDelivered
	case "opened":
		status = notify.AttemptOpened
	case "failed":
		status = notify.AttemptFailed
	case "unregistered":
		status = notify.AttemptFailed
		if ev.Handle != "" {
			if err := a.registry.Deactivate(ctx, ev.Handle); err != nil {
				a.logger.WithError(err).Error("token deactivation failed")
			}
		}
	default:
		return apperr.Invalid("status", fmt.Sprintf("unknown push event %q", ev.Status))
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	err := a.dlog.UpdateStatusByProviderID(ctx, ev.ProviderMessageID, status, at)
	if err == notify.ErrRegression {
		return nil
	}
	return err
}

// StartDormancyPurge runs the periodic purge of tokens unused for the given
// number of days. Returns a stop function.
func (a *Adapter) StartDormancyPurge(dormancyDays int, every time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				cutoff := time.Now().AddDate(0, 0, -dormancyDays)
				n, err := a.registry.PurgeDormant(ctx, cutoff)
				cancel()
				if err != nil {
					a.logger.WithError(err).Error("dormant token purge failed")
				} else if n > 0 {
					a.logger.WithField("count", n).Info("purged dormant device tokens")
				}
			}
		}
	}()
	return func() { close(stop) }
}
