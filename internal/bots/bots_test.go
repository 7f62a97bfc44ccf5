package bots

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhaslanToishybayev/steammarket/internal/config"
	"github.com/ZhaslanToishybayev/steammarket/internal/kv"
	"github.com/ZhaslanToishybayev/steammarket/internal/steam"
)

const testKeyHex = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fakeSteam struct {
	mu           sync.Mutex
	loginCalls   int
	restoreCalls int
	loginErr     error
	restoreErr   error
	inventory    []steam.Item
	confirmed    []string
}

func (f *fakeSteam) Login(_ context.Context, secrets steam.Secrets) (*steam.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &steam.Session{
		SteamID: "76561198000009999",
		Cookies: map[string]string{"sessionid": "abc"},
		SavedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeSteam) Restore(_ context.Context, _ *steam.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	return f.restoreErr
}

func (f *fakeSteam) ConfirmOffer(_ context.Context, _ *steam.Session, _ string, offerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, offerID)
	return nil
}

func (f *fakeSteam) FetchInventory(_ context.Context, _ string, _ int, _ string) ([]steam.Item, error) {
	return f.inventory, nil
}

func testCreds() []config.BotCredentials {
	return []config.BotCredentials{{
		SteamID:      "76561198000009999",
		AccountName:  "marketbot01",
		Password:     "hunter2",
		SharedSecret: "zvIBb7bXRPnniZ2HqGiNL1ZHBfE=",
	}}
}

func newTestManager(t *testing.T, client SteamClient) (*Manager, *MemoryStore, kv.Store) {
	t.Helper()
	store := NewMemoryStore()
	cache := kv.NewMemoryStore()
	t.Cleanup(cache.Stop)
	m := NewManager(store, client, cache)
	cipher, err := NewCipher(testKeyHex)
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap(context.Background(), testCreds(), cipher))
	return m, store, cache
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKeyHex)
	require.NoError(t, err)

	sec := steam.Secrets{AccountName: "bot", Password: "pw", SharedSecret: "ss", IdentitySecret: "is"}
	enc, err := cipher.Encrypt(sec)
	require.NoError(t, err)
	assert.NotContains(t, enc, "pw")

	got, err := cipher.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, sec, got)

	// Ciphertexts are nonce-randomized.
	enc2, err := cipher.Encrypt(sec)
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2)
}

func TestCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("not-hex")
	assert.Error(t, err)
	_, err = NewCipher("abcdef")
	assert.Error(t, err)
}

func TestCipherWrongKeyFails(t *testing.T) {
	c1, _ := NewCipher(testKeyHex)
	c2, _ := NewCipher("0000000000000000000000000000000000000000000000000000000000000000")

	enc, err := c1.Encrypt(steam.Secrets{AccountName: "bot"})
	require.NoError(t, err)
	_, err = c2.Decrypt(enc)
	assert.Error(t, err)
}

func TestBootstrapRegistersBots(t *testing.T) {
	_, store, _ := newTestManager(t, &fakeSteam{})

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "marketbot01", list[0].AccountName)
	assert.Equal(t, StatusOffline, list[0].Status)
	assert.NotEmpty(t, list[0].SecretsEnc)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeSteam{})
	cipher, _ := NewCipher(testKeyHex)

	require.NoError(t, m.Bootstrap(context.Background(), testCreds(), cipher))
	list, _ := store.List(context.Background())
	assert.Len(t, list, 1)
}

func TestAcquireLeastLoaded(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := &Bot{SteamID: "1", AccountName: "a", SecretsEnc: "x", Status: StatusOffline}
	b := &Bot{SteamID: "2", AccountName: "b", SecretsEnc: "x", Status: StatusOffline}
	require.NoError(t, store.Upsert(ctx, a))
	require.NoError(t, store.Upsert(ctx, b))
	require.NoError(t, store.SetStatus(ctx, a.ID, StatusReady, ""))
	require.NoError(t, store.SetStatus(ctx, b.ID, StatusReady, ""))

	got, err := store.AcquireLeastLoaded(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 1, got.ActiveTrades)

	// a is now loaded, b wins.
	got, err = store.AcquireLeastLoaded(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	// Excluding both leaves nothing.
	_, err = store.AcquireLeastLoaded(ctx, []int64{a.ID, b.ID})
	assert.ErrorIs(t, err, ErrNoBotAvailable)

	require.NoError(t, store.ReleaseTrade(ctx, a.ID))
	bot, _ := store.Get(ctx, a.ID)
	assert.Equal(t, 0, bot.ActiveTrades)
}

func TestAcquireSkipsNotReady(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := &Bot{SteamID: "1", AccountName: "a", SecretsEnc: "x", Status: StatusOffline}
	require.NoError(t, store.Upsert(ctx, a))
	require.NoError(t, store.SetStatus(ctx, a.ID, StatusDegraded, "login failed"))

	_, err := store.AcquireLeastLoaded(ctx, nil)
	assert.ErrorIs(t, err, ErrNoBotAvailable)
}

func TestSessionLoginAndCache(t *testing.T) {
	client := &fakeSteam{}
	m, store, _ := newTestManager(t, client)
	ctx := context.Background()
	bot, err := store.GetByAccountName(ctx, "marketbot01")
	require.NoError(t, err)

	sess, err := m.Session(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "76561198000009999", sess.SteamID)
	assert.Equal(t, 1, client.loginCalls)

	// Second call restores the cached session instead of logging in again.
	_, err = m.Session(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, client.loginCalls)
	assert.Equal(t, 1, client.restoreCalls)
}

func TestConfirmOfferUsesBotSession(t *testing.T) {
	client := &fakeSteam{}
	m, store, _ := newTestManager(t, client)
	ctx := context.Background()
	bot, err := store.GetByAccountName(ctx, "marketbot01")
	require.NoError(t, err)

	require.NoError(t, m.ConfirmOffer(ctx, bot.ID, "offer-42"))
	assert.Equal(t, []string{"offer-42"}, client.confirmed)
	assert.Equal(t, 1, client.loginCalls, "confirmation logs in on demand")
}

func TestSessionReloginOnRestoreFailure(t *testing.T) {
	client := &fakeSteam{}
	m, store, _ := newTestManager(t, client)
	ctx := context.Background()
	bot, _ := store.GetByAccountName(ctx, "marketbot01")

	_, err := m.Session(ctx, bot.ID)
	require.NoError(t, err)

	client.restoreErr = steam.ErrSessionExpired
	_, err = m.Session(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, client.loginCalls)
}

func TestLoginFailuresOpenCircuit(t *testing.T) {
	client := &fakeSteam{loginErr: errors.New("login rejected")}
	m, store, _ := newTestManager(t, client)
	ctx := context.Background()
	bot, _ := store.GetByAccountName(ctx, "marketbot01")

	for i := 0; i < breakerThreshold; i++ {
		_, err := m.Session(ctx, bot.ID)
		require.Error(t, err)
	}
	calls := client.loginCalls

	// Circuit open: no more login attempts reach Steam.
	_, err := m.Session(ctx, bot.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, calls, client.loginCalls)

	got, _ := store.Get(ctx, bot.ID)
	assert.Equal(t, StatusDegraded, got.Status)
}

func TestProbeBringsBotsOnline(t *testing.T) {
	client := &fakeSteam{inventory: []steam.Item{{AssetID: "1"}, {AssetID: "2"}}}
	m, store, _ := newTestManager(t, client)
	ctx := context.Background()

	m.probe(ctx)

	bot, _ := store.GetByAccountName(ctx, "marketbot01")
	assert.Equal(t, StatusReady, bot.Status)
	assert.Equal(t, 2, bot.InventorySize)
	assert.NotNil(t, bot.LastOnlineAt)
}

func TestProbeSkipsBanned(t *testing.T) {
	client := &fakeSteam{}
	m, store, _ := newTestManager(t, client)
	ctx := context.Background()
	bot, _ := store.GetByAccountName(ctx, "marketbot01")
	require.NoError(t, m.MarkBanned(ctx, bot.ID, "vac ban"))

	m.probe(ctx)

	got, _ := store.Get(ctx, bot.ID)
	assert.Equal(t, StatusBanned, got.Status)
	assert.Equal(t, 0, client.loginCalls)
}
