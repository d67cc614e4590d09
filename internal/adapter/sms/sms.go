// Package sms delivers SMS jobs through an HTTP provider API. Numbers are
// normalized to E.164 before they leave the process; a number that cannot be
// normalized unambiguously fails permanently rather than guessing.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

// MaxBodyLength is the provider's concatenated-message ceiling.
const MaxBodyLength = 1600

// Config holds provider connection settings.
type Config struct {
	BaseURL            string
	APIKey             string
	SenderID           string
	DefaultCountryCode string // prepended to national-format numbers
	Timeout            time.Duration
}

// Adapter implements notify.Adapter for the SMS channel.
type Adapter struct {
	cfg    Config
	client *http.Client
	dlog   notify.DeliveryLog
	logger *telemetry.ContextualLogger

	now func() time.Time // injectable for tests
}

// New creates an SMS adapter.
func New(cfg Config, dlog notify.DeliveryLog, logger *telemetry.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		dlog:   dlog,
		logger: logger.Component("adapter.sms"),
		now:    time.Now,
	}
}

// Channel returns the channel this adapter serves.
func (a *Adapter) Channel() notify.Channel {
	return notify.ChannelSMS
}

// Capabilities reports static adapter properties.
func (a *Adapter) Capabilities() notify.Capabilities {
	return notify.Capabilities{MaxBodyBytes: MaxBodyLength}
}

type sendRequest struct {
	To     string `json:"to"`
	From   string `json:"from,omitempty"`
	Body   string `json:"body"`
	Ref    string `json:"ref"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send delivers jobs one message at a time; the provider has no batch
// endpoint. Each job settles independently.
func (a *Adapter) Send(ctx context.Context, jobs []*notify.DeliveryJob) []notify.ItemResult {
	results := make([]notify.ItemResult, len(jobs))
	for i, j := range jobs {
		results[i].JobID = j.ID

		p := j.Payload.SMS
		if p == nil || p.To == "" {
			results[i].Err = apperr.InvalidHandle("sms job has no recipient")
			continue
		}
		if n := utf8.RuneCountInString(p.Body); n > MaxBodyLength {
			results[i].Err = apperr.Permanent(
				fmt.Sprintf("message body is %d characters; the limit is %d", n, MaxBodyLength), nil)
			continue
		}

		number, err := NormalizeNumber(p.To, a.cfg.DefaultCountryCode)
		if err != nil {
			results[i].Err = err
			continue
		}
		if err := checkCountryRules(number, a.cfg.SenderID, a.now()); err != nil {
			results[i].Err = err
			continue
		}

		id, err := a.sendOne(ctx, number, p.Body, j.ID.String())
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].ProviderMessageID = id
	}
	return results
}

func (a *Adapter) sendOne(ctx context.Context, to, body, ref string) (string, error) {
	payload, err := json.Marshal(sendRequest{To: to, From: a.cfg.SenderID, Body: body, Ref: ref})
	if err != nil {
		return "", apperr.Internal("failed to encode sms request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", apperr.Internal("failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	httpResp, err := a.client.Do(req)
	if err != nil {
		return "", apperr.Transient("sms provider unreachable", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Minute
		if s := httpResp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return "", apperr.RateLimited("sms provider", retryAfter)
	}
	if httpResp.StatusCode >= 500 {
		return "", apperr.Transient(fmt.Sprintf("sms provider returned %d", httpResp.StatusCode), nil)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", apperr.Transient("failed to read provider response", err)
	}
	var resp sendResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", apperr.Transient("failed to decode provider response", err)
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		switch resp.Error.Code {
		case "invalid_number", "unroutable":
			return "", apperr.InvalidHandle(resp.Error.Message)
		default:
			return "", apperr.Permanent(fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message), nil)
		}
	}
	return resp.MessageID, nil
}

// HandleProviderCallback applies an asynchronous delivery receipt.
func (a *Adapter) HandleProviderCallback(ctx context.Context, ev notify.ProviderEvent) error {
	var status notify.AttemptStatus
	switch ev.Status {
	case "queued":
		status = notify.AttemptQueued
	case "sent":
		status = notify.AttemptSent
	case "delivered":
		status = notify.AttemptDelivered
	case "failed", "undelivered":
		status = notify.AttemptFailed
	default:
		return apperr.Invalid("status", fmt.Sprintf("unknown sms event %q", ev.Status))
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	err := a.dlog.UpdateStatusByProviderID(ctx, ev.ProviderMessageID, status, at)
	if err == notify.ErrRegression {
		return nil // receipts arrive out of order routinely
	}
	return err
}

// countryRule captures destination-specific carrier restrictions. A violation
// never reaches the provider: carriers drop or fine such traffic, so it fails
// permanently here.
type countryRule struct {
	noAlphaSender bool
	quietStartUTC int // inclusive hour; start == end means no quiet window
	quietEndUTC   int // exclusive hour
}

// Keyed by dialing code; longest prefix wins. Quiet windows are the carrier
// local-night restrictions expressed in UTC.
var countryRules = map[string]countryRule{
	"33":  {noAlphaSender: true},                                    // France
	"91":  {noAlphaSender: true},                                    // India
	"966": {noAlphaSender: true, quietStartUTC: 18, quietEndUTC: 4}, // Saudi Arabia
	"971": {quietStartUTC: 17, quietEndUTC: 3},                      // UAE
}

func checkCountryRules(e164, senderID string, at time.Time) error {
	rule, code, ok := ruleFor(e164)
	if !ok {
		return nil
	}
	if rule.noAlphaSender && hasLetter(senderID) {
		return apperr.Permanent(
			fmt.Sprintf("alphanumeric sender %q is not allowed for +%s destinations", senderID, code), nil)
	}
	if rule.quietStartUTC != rule.quietEndUTC && inQuietWindow(at.UTC().Hour(), rule.quietStartUTC, rule.quietEndUTC) {
		return apperr.Permanent(
			fmt.Sprintf("sending to +%s destinations is restricted at this hour", code), nil)
	}
	return nil
}

func ruleFor(e164 string) (countryRule, string, bool) {
	digits := strings.TrimPrefix(e164, "+")
	for l := 3; l >= 1; l-- {
		if len(digits) < l {
			continue
		}
		if r, ok := countryRules[digits[:l]]; ok {
			return r, digits[:l], true
		}
	}
	return countryRule{}, "", false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

func inQuietWindow(hour, start, end int) bool {
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// NormalizeNumber converts a phone number to E.164. Numbers already in
// international format pass through; national-format numbers get the default
// country code when the result is unambiguous.
func NormalizeNumber(raw, defaultCountry string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	// 00-prefix is the international dialing form of +.
	if strings.HasPrefix(cleaned, "00") {
		cleaned = "+" + cleaned[2:]
	}

	international := strings.HasPrefix(cleaned, "+")
	digits := cleaned
	if international {
		digits = cleaned[1:]
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", apperr.InvalidHandle(fmt.Sprintf("phone number %q contains non-digit characters", raw))
		}
	}

	if international {
		if len(digits) < 8 || len(digits) > 15 {
			return "", apperr.InvalidHandle(fmt.Sprintf("phone number %q is not a valid E.164 number", raw))
		}
		return "+" + digits, nil
	}

	if defaultCountry == "" {
		return "", apperr.InvalidHandle(fmt.Sprintf("phone number %q has no country code and no default is configured", raw))
	}

	// National trunk prefix drops before the country code goes on.
	digits = strings.TrimPrefix(digits, "0")
	candidate := defaultCountry + digits
	if len(candidate) < 8 || len(candidate) > 15 {
		return "", apperr.InvalidHandle(fmt.Sprintf("phone number %q cannot be normalized to E.164", raw))
	}
	return "+" + candidate, nil
}
