package preference

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

const (
	profileTTL     = 30 * time.Minute
	cleanupEvery   = 5 * time.Minute
	invalidationCh = "courier:prefs:invalidate"
)

// Resolver answers may-contact questions from cached profiles. Profiles are
// cached locally for 30 minutes; mutations publish the user ID on a Redis
// channel so every process evicts together. It implements
// notify.PreferenceResolver.
type Resolver struct {
	store  Store
	cache  *gocache.Cache
	redis  *redis.Client // nil disables cross-process invalidation
	logger *telemetry.ContextualLogger

	stopCh chan struct{}
}

// NewResolver creates a resolver. A nil Redis client keeps invalidation
// process-local, which is what the tests use.
func NewResolver(store Store, redisClient *redis.Client, logger *telemetry.Logger) *Resolver {
	r := &Resolver{
		store:  store,
		cache:  gocache.New(profileTTL, cleanupEvery),
		redis:  redisClient,
		logger: logger.Component("preference"),
		stopCh: make(chan struct{}),
	}
	if redisClient != nil {
		go r.listenInvalidations()
	}
	return r
}

// Close stops the invalidation listener.
func (r *Resolver) Close() {
	close(r.stopCh)
}

// Resolve decides whether userID may be contacted on channel for a
// notification of the given type. A denial is a normal outcome, not an
// error; errors mean the decision could not be made.
func (r *Resolver) Resolve(ctx context.Context, userID, notificationType string, channel notify.Channel) (notify.PreferenceDecision, error) {
	p, err := r.profile(ctx, userID)
	if err != nil {
		return notify.PreferenceDecision{}, err
	}

	if !p.Enabled {
		return notify.PreferenceDecision{Reason: "user opted out of all notifications"}, nil
	}

	enabled := true
	if v, ok := p.Channels[string(channel)]; ok {
		enabled = v
	}
	if v, ok := p.Overrides[OverrideKey(notificationType, string(channel))]; ok {
		enabled = v
	}
	if !enabled {
		return notify.PreferenceDecision{Reason: "channel disabled by preference"}, nil
	}

	handle, ok := r.handleFor(p, channel)
	if !ok {
		return notify.PreferenceDecision{Reason: "no delivery handle on file"}, nil
	}

	if handle != "" {
		suppressed, reason, err := r.store.IsSuppressed(ctx, string(channel), handle)
		if err != nil {
			return notify.PreferenceDecision{}, err
		}
		if suppressed {
			return notify.PreferenceDecision{Reason: "handle suppressed: " + reason}, nil
		}
	}

	return notify.PreferenceDecision{Allowed: true, Handle: handle}, nil
}

// handleFor returns the delivery handle for a channel and whether the user
// can be reached on it at all. Push and in-app address the user directly.
func (r *Resolver) handleFor(p *Profile, channel notify.Channel) (string, bool) {
	switch channel {
	case notify.ChannelEmail:
		return p.EmailAddress, p.EmailAddress != ""
	case notify.ChannelSMS:
		return p.PhoneNumber, p.PhoneNumber != ""
	default:
		return "", true
	}
}

func (r *Resolver) profile(ctx context.Context, userID string) (*Profile, error) {
	if cached, ok := r.cache.Get(userID); ok {
		return cached.(*Profile), nil
	}

	p, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// No rows at all: default-enabled, no handles.
			p = &Profile{UserID: userID, Enabled: true}
		} else {
			return nil, err
		}
	}

	r.cache.Set(userID, p, profileTTL)
	return p, nil
}

// Invalidate evicts a user's cached profile everywhere. Call after any
// preference mutation.
func (r *Resolver) Invalidate(ctx context.Context, userID string) {
	r.cache.Delete(userID)
	if r.redis != nil {
		if err := r.redis.Publish(ctx, invalidationCh, userID).Err(); err != nil {
			r.logger.WithError(err).WithField("user_id", userID).Warn("invalidation publish failed")
		}
	}
}

// listenInvalidations evicts profiles announced by other processes. The
// local eviction in Invalidate already covers this process; receiving our
// own message is a harmless double delete.
func (r *Resolver) listenInvalidations() {
	sub := r.redis.Subscribe(context.Background(), invalidationCh)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-r.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.cache.Delete(msg.Payload)
		}
	}
}
