// Package presence mirrors the relay's registry into a shared store so other
// systems can see which relay node currently holds a user's socket. The
// mirror is informational only and never takes part in forwarding.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/moodtribe/relay/pkg/handlers"
	"go.uber.org/zap"
)

const keyPrefix = "relay:presence:"

func Key(userId string) string { return keyPrefix + userId }

// Source is the registry view the mirror reads ownership from.
type Source interface {
	Lookup(userId string) (handlers.Connection, bool)
	Users() []string
}

// Store persists presence keys. DeleteIfPrefix removes key only when its
// value starts with prefix, so one node never clears another node's entry.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteIfPrefix(ctx context.Context, key, prefix string) (bool, error)
}

type MirrorParams struct {
	NodeId         string
	TTL            time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Mirror implements relay.Presence. Notify only records that a user changed;
// a single worker re-reads the registry before writing, so the store always
// converges on the registry's latest state regardless of notify ordering.
type Mirror struct {
	source Source
	store  Store
	params MirrorParams

	mut_pending sync.Mutex
	pending     map[string]struct{}
	wake        chan struct{}

	log *zap.Logger
}

func CreateMirror(source Source, store Store, params MirrorParams) *Mirror {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.NodeId == "" {
		params.NodeId = "relay"
	}
	if params.TTL <= 0 {
		params.TTL = 60 * time.Second
	}
	if params.RequestTimeout <= 0 {
		params.RequestTimeout = 2 * time.Second
	}

	return &Mirror{
		source:  source,
		store:   store,
		params:  params,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		log:     logger.With(zap.String("handler", "PresenceMirror"), zap.String("nodeId", params.NodeId)),
	}
}

func (m *Mirror) Notify(userId string) {
	m.mut_pending.Lock()
	m.pending[userId] = struct{}{}
	m.mut_pending.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) value(conn handlers.Connection) string {
	return m.params.NodeId + "/" + conn.Id()
}

func (m *Mirror) takePending() []string {
	m.mut_pending.Lock()
	defer m.mut_pending.Unlock()

	users := make([]string, 0, len(m.pending))
	for userId := range m.pending {
		users = append(users, userId)
	}
	m.pending = make(map[string]struct{})
	return users
}

// Sync writes the registry's current view of userId to the store.
func (m *Mirror) Sync(ctx context.Context, userId string) error {
	ctx, cancel := context.WithTimeout(ctx, m.params.RequestTimeout)
	defer cancel()

	if conn, has := m.source.Lookup(userId); has {
		return m.store.Set(ctx, Key(userId), m.value(conn), m.params.TTL)
	}

	_, err := m.store.DeleteIfPrefix(ctx, Key(userId), m.params.NodeId+"/")
	return err
}

// Flush syncs every user notified since the last flush.
func (m *Mirror) Flush(ctx context.Context) {
	for _, userId := range m.takePending() {
		if err := m.Sync(ctx, userId); err != nil {
			m.log.Warn("Failed to sync presence", zap.String("userId", userId), zap.Error(err))
		}
	}
}

// Refresh re-writes every user this node owns so their TTLs do not lapse.
func (m *Mirror) Refresh(ctx context.Context) {
	for _, userId := range m.source.Users() {
		if err := m.Sync(ctx, userId); err != nil {
			m.log.Warn("Failed to refresh presence", zap.String("userId", userId), zap.Error(err))
		}
	}
}

// Run processes notifications and TTL refreshes until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.params.TTL / 2)
	defer ticker.Stop()

	m.log.Info("Starting presence mirror", zap.Duration("ttl", m.params.TTL))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Presence mirror stopped")
			return
		case <-m.wake:
			m.Flush(ctx)
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
