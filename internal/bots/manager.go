package bots

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ZhaslanToishybayev/steammarket/internal/circuitbreaker"
	"github.com/ZhaslanToishybayev/steammarket/internal/config"
	"github.com/ZhaslanToishybayev/steammarket/internal/kv"
	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
	"github.com/ZhaslanToishybayev/steammarket/internal/steam"
)

const (
	probeInterval    = 60 * time.Second
	sessionKeyPrefix = "bot:session:"

	// Login failures before the breaker stops hammering Steam for an account.
	breakerThreshold = 3
	breakerOpenFor   = 5 * time.Minute
)

// SteamClient is the slice of the Steam client the fleet manager needs.
type SteamClient interface {
	Login(ctx context.Context, secrets steam.Secrets) (*steam.Session, error)
	Restore(ctx context.Context, sess *steam.Session) error
	ConfirmOffer(ctx context.Context, sess *steam.Session, identitySecret, offerID string) error
	FetchInventory(ctx context.Context, ownerSteamID string, appID int, contextID string) ([]steam.Item, error)
}

// Manager owns the bot fleet: registration, session lifecycle, assignment
// and failure isolation. Decrypted credentials never leave its memory.
type Manager struct {
	store   Store
	client  SteamClient
	cache   kv.Store
	breaker *circuitbreaker.Breaker

	mu      sync.Mutex
	secrets map[string]steam.Secrets // account name -> decrypted creds
	loginMu map[string]*sync.Mutex   // per-account login serialization

	stop chan struct{}
	done chan struct{}
}

func NewManager(store Store, client SteamClient, cache kv.Store) *Manager {
	return &Manager{
		store:   store,
		client:  client,
		cache:   cache,
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
		secrets: make(map[string]steam.Secrets),
		loginMu: make(map[string]*sync.Mutex),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Bootstrap registers the configured bots, sealing their credentials for the
// database and keeping the plaintext in memory for this process.
func (m *Manager) Bootstrap(ctx context.Context, creds []config.BotCredentials, cipher *Cipher) error {
	for _, c := range creds {
		sec := steam.Secrets{
			AccountName:    c.AccountName,
			Password:       c.Password,
			SharedSecret:   c.SharedSecret,
			IdentitySecret: c.IdentitySecret,
		}
		enc, err := cipher.Encrypt(sec)
		if err != nil {
			return fmt.Errorf("sealing secrets for %s: %w", c.AccountName, err)
		}
		b := &Bot{
			SteamID:     c.SteamID,
			AccountName: c.AccountName,
			SecretsEnc:  enc,
			Status:      StatusOffline,
		}
		if err := m.store.Upsert(ctx, b); err != nil {
			return fmt.Errorf("registering bot %s: %w", c.AccountName, err)
		}
		m.mu.Lock()
		m.secrets[c.AccountName] = sec
		m.mu.Unlock()
	}
	return nil
}

// Start launches the health prober. The first probe runs immediately so the
// fleet comes online without waiting a full interval.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		m.safeProbe(ctx)
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.safeProbe(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// Acquire returns the least-loaded ready bot not in the excluding list and
// counts the assignment. Callers must Release when the trade leaves the bot.
func (m *Manager) Acquire(ctx context.Context, excluding []int64) (*Bot, error) {
	return m.store.AcquireLeastLoaded(ctx, excluding)
}

func (m *Manager) Release(ctx context.Context, botID int64) error {
	return m.store.ReleaseTrade(ctx, botID)
}

// MarkDegraded takes a bot out of rotation; the prober re-checks it.
func (m *Manager) MarkDegraded(ctx context.Context, botID int64, reason string) error {
	b, err := m.store.Get(ctx, botID)
	if err != nil {
		return err
	}
	m.breaker.RecordFailure(b.AccountName)
	logging.L(ctx).Warn("bot degraded", "bot_id", botID, "account", b.AccountName, "reason", reason)
	return m.store.SetStatus(ctx, botID, StatusDegraded, reason)
}

// MarkBanned permanently retires a bot. Only an admin can undo this in the
// database directly.
func (m *Manager) MarkBanned(ctx context.Context, botID int64, reason string) error {
	return m.store.SetStatus(ctx, botID, StatusBanned, reason)
}

func (m *Manager) List(ctx context.Context) ([]*Bot, error) {
	return m.store.List(ctx)
}

// ConfirmOffer approves the mobile confirmation for an offer the bot just
// sent. Needed whenever the bot gives items away; the identity secret stays
// inside the manager.
func (m *Manager) ConfirmOffer(ctx context.Context, botID int64, offerID string) error {
	b, err := m.store.Get(ctx, botID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	sec, ok := m.secrets[b.AccountName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no credentials loaded for bot %s", b.AccountName)
	}
	sess, err := m.sessionFor(ctx, b)
	if err != nil {
		return err
	}
	return m.client.ConfirmOffer(ctx, sess, sec.IdentitySecret, offerID)
}

// Session returns a live Steam session for the bot: cached blob if still
// valid, otherwise restore, otherwise a fresh 2FA login. Logins for the same
// account are serialized.
func (m *Manager) Session(ctx context.Context, botID int64) (*steam.Session, error) {
	b, err := m.store.Get(ctx, botID)
	if err != nil {
		return nil, err
	}
	return m.sessionFor(ctx, b)
}

func (m *Manager) sessionFor(ctx context.Context, b *Bot) (*steam.Session, error) {
	if sess := m.cachedSession(ctx, b.AccountName); sess != nil {
		if err := m.client.Restore(ctx, sess); err == nil {
			return sess, nil
		}
		_ = m.cache.Delete(ctx, sessionKeyPrefix+b.AccountName)
	}
	return m.login(ctx, b)
}

func (m *Manager) login(ctx context.Context, b *Bot) (*steam.Session, error) {
	lock := m.accountLock(b.AccountName)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have logged in while we waited.
	if sess := m.cachedSession(ctx, b.AccountName); sess != nil && !sess.Stale() {
		return sess, nil
	}

	if !m.breaker.Allow(b.AccountName) {
		return nil, fmt.Errorf("bot %s: login circuit open", b.AccountName)
	}

	m.mu.Lock()
	sec, ok := m.secrets[b.AccountName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bot %s: no credentials loaded", b.AccountName)
	}

	sess, err := m.client.Login(ctx, sec)
	if err != nil {
		m.breaker.RecordFailure(b.AccountName)
		_ = m.store.SetStatus(ctx, b.ID, StatusDegraded, err.Error())
		return nil, fmt.Errorf("bot %s login: %w", b.AccountName, err)
	}
	m.breaker.RecordSuccess(b.AccountName)

	if blob, err := json.Marshal(sess); err == nil {
		_ = m.cache.Set(ctx, sessionKeyPrefix+b.AccountName, string(blob), steam.SessionTTL)
	}
	_ = m.store.TouchOnline(ctx, b.ID)
	return sess, nil
}

func (m *Manager) cachedSession(ctx context.Context, accountName string) *steam.Session {
	raw, ok, err := m.cache.Get(ctx, sessionKeyPrefix+accountName)
	if err != nil || !ok {
		return nil
	}
	var sess steam.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil
	}
	if sess.Stale() {
		return nil
	}
	return &sess
}

func (m *Manager) accountLock(accountName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.loginMu[accountName]
	if !ok {
		lock = &sync.Mutex{}
		m.loginMu[accountName] = lock
	}
	return lock
}

func (m *Manager) safeProbe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("bot prober panicked", "panic", r)
		}
	}()
	m.probe(ctx)
}

// probe brings offline and degraded bots back to ready and refreshes the
// fleet gauge. Banned bots are never touched.
func (m *Manager) probe(ctx context.Context) {
	list, err := m.store.List(ctx)
	if err != nil {
		logging.L(ctx).Error("bot prober: listing bots", "error", err)
		return
	}

	ready := 0
	for _, b := range list {
		switch b.Status {
		case StatusBanned:
			continue
		case StatusReady:
			ready++
			continue
		}
		// Skip accounts whose login circuit is still open; login itself
		// takes the half-open probe slot when the cooldown elapses.
		if m.breaker.State(b.AccountName) == circuitbreaker.StateOpen {
			continue
		}

		_ = m.store.SetStatus(ctx, b.ID, StatusInitializing, "")
		sess, err := m.sessionFor(ctx, b)
		if err != nil {
			logging.L(ctx).Warn("bot probe failed", "account", b.AccountName, "error", err)
			_ = m.store.SetStatus(ctx, b.ID, StatusDegraded, err.Error())
			continue
		}
		if items, err := m.client.FetchInventory(ctx, sess.SteamID, 730, "2"); err == nil {
			_ = m.store.SetInventorySize(ctx, b.ID, len(items))
		}
		if err := m.store.SetStatus(ctx, b.ID, StatusReady, ""); err == nil {
			ready++
			logging.L(ctx).Info("bot ready", "account", b.AccountName)
		}
	}
	metrics.BotsReady.Set(float64(ready))
}
