package template

import (
	"context"
	"regexp"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

const (
	cacheTTL     = time.Hour
	cacheCleanup = 10 * time.Minute
)

// Renderer loads templates through a bounded TTL cache and renders their
// per-channel content. It implements notify.TemplateRenderer.
type Renderer struct {
	store  Store
	cache  *gocache.Cache
	logger *telemetry.ContextualLogger
}

// NewRenderer creates a renderer backed by the given store.
func NewRenderer(store Store, logger *telemetry.Logger) *Renderer {
	return &Renderer{
		store:  store,
		cache:  gocache.New(cacheTTL, cacheCleanup),
		logger: logger.Component("template"),
	}
}

// Render resolves a template and produces the payload for one channel.
// Unknown variables render as the empty string, so a stale producer never
// leaks markers to recipients.
func (r *Renderer) Render(ctx context.Context, templateID string, channel notify.Channel, variables map[string]string) (*notify.Payload, error) {
	t, err := r.load(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, apperr.TemplateInactive(templateID)
	}

	sub := func(s string) string { return substitute(s, variables) }

	switch channel {
	case notify.ChannelEmail:
		if t.EmailSubject == "" && t.EmailHTML == "" && t.EmailText == "" {
			return nil, apperr.TemplateNotFound(templateID, string(channel))
		}
		return &notify.Payload{Email: &notify.EmailPayload{
			Subject: sub(t.EmailSubject),
			HTML:    sub(t.EmailHTML),
			Text:    sub(t.EmailText),
		}}, nil

	case notify.ChannelSMS:
		if t.SMSBody == "" {
			return nil, apperr.TemplateNotFound(templateID, string(channel))
		}
		return &notify.Payload{SMS: &notify.SMSPayload{
			Body: sub(t.SMSBody),
		}}, nil

	case notify.ChannelPush:
		if t.PushTitle == "" && t.PushBody == "" {
			return nil, apperr.TemplateNotFound(templateID, string(channel))
		}
		return &notify.Payload{Push: &notify.PushPayload{
			Title: sub(t.PushTitle),
			Body:  sub(t.PushBody),
		}}, nil

	case notify.ChannelInApp:
		if t.InAppTitle == "" && t.InAppBody == "" {
			return nil, apperr.TemplateNotFound(templateID, string(channel))
		}
		return &notify.Payload{InApp: &notify.InAppPayload{
			Title:     sub(t.InAppTitle),
			Body:      sub(t.InAppBody),
			ActionURL: sub(t.InAppActionURL),
		}}, nil
	}

	return nil, apperr.Invalid("channel", "unknown channel")
}

// Invalidate drops a template from the cache. Called after mutations.
func (r *Renderer) Invalidate(templateID string) {
	r.cache.Delete(templateID)
}

func (r *Renderer) load(ctx context.Context, id string) (*Template, error) {
	if cached, ok := r.cache.Get(id); ok {
		return cached.(*Template), nil
	}

	t, err := r.store.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, apperr.New(apperr.KindTemplateNotFound, "template "+id+" not found")
		}
		return nil, apperr.Persistence("load template", err)
	}

	r.cache.Set(id, t, cacheTTL)
	return t, nil
}

// markerPattern matches {{name}} markers, with optional inner whitespace.
var markerPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// substitute replaces every {{name}} marker with its variable value, or the
// empty string when the variable is absent. Substitution is a single pass:
// values containing markers are emitted verbatim.
func substitute(s string, variables map[string]string) string {
	if s == "" {
		return ""
	}
	return markerPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := markerPattern.FindStringSubmatch(m)[1]
		return variables[name]
	})
}
