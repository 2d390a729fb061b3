package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lukaswerner/displaywatch/internal/model"
	"github.com/lukaswerner/displaywatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider counts sends and can be toggled to fail.
type fakeProvider struct {
	channel model.Channel

	mu    sync.Mutex
	calls int
	err   error
	last  model.Notification
}

func (f *fakeProvider) Name() string           { return string(f.channel) }
func (f *fakeProvider) Channel() model.Channel { return f.channel }

func (f *fakeProvider) Send(_ context.Context, n model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = n
	return f.err
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func raiseTestAlert(t *testing.T, s *store.Store) *model.DisplayAlert {
	t.Helper()
	_, _, err := s.MarkOnline("lobby-1", map[string]string{"name": "Lobby"})
	require.NoError(t, err)
	a, err := s.CreateAlert("lobby-1", model.AlertOffline, model.SeverityHigh,
		"Display Lobby has been offline for 12m", nil)
	require.NoError(t, err)
	return a
}

func TestSendAlertNotification_AllChannels(t *testing.T) {
	s := newTestStore(t)
	a := raiseTestAlert(t, s)

	email := &fakeProvider{channel: model.ChannelEmail}
	webhook := &fakeProvider{channel: model.ChannelWebhook}
	d := NewDispatcher(s, []ChannelConfig{
		{Provider: email, Cooldown: DefaultEmailCooldown},
		{Provider: webhook, Cooldown: DefaultWebhookCooldown},
	}, time.Minute)

	require.NoError(t, d.SendAlertNotification(context.Background(), a.ID))

	assert.Equal(t, 1, email.sendCount())
	assert.Equal(t, 1, webhook.sendCount())
	assert.Equal(t, "Lobby", email.last.DisplayName)
	assert.Equal(t, a.ID, email.last.AlertID)

	got, err := s.Alert(a.ID)
	require.NoError(t, err)
	assert.Len(t, got.NotificationsSent[model.ChannelEmail], 1)
	assert.Len(t, got.NotificationsSent[model.ChannelWebhook], 1)
}

func TestSendAlertNotification_FailureIsNotRecorded(t *testing.T) {
	s := newTestStore(t)
	a := raiseTestAlert(t, s)

	email := &fakeProvider{channel: model.ChannelEmail, err: errors.New("smtp down")}
	webhook := &fakeProvider{channel: model.ChannelWebhook}
	d := NewDispatcher(s, []ChannelConfig{
		{Provider: email, Cooldown: DefaultEmailCooldown},
		{Provider: webhook, Cooldown: DefaultWebhookCooldown},
	}, time.Minute)

	// One channel failing never fails the call or blocks the other channel.
	require.NoError(t, d.SendAlertNotification(context.Background(), a.ID))

	got, err := s.Alert(a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.NotificationsSent[model.ChannelEmail])
	assert.Len(t, got.NotificationsSent[model.ChannelWebhook], 1)
}

func TestSendAlertNotification_CooldownSkipsRepeat(t *testing.T) {
	s := newTestStore(t)
	a := raiseTestAlert(t, s)

	email := &fakeProvider{channel: model.ChannelEmail}
	d := NewDispatcher(s, []ChannelConfig{
		{Provider: email, Cooldown: DefaultEmailCooldown},
	}, time.Minute)

	require.NoError(t, d.SendAlertNotification(context.Background(), a.ID))
	require.NoError(t, d.SendAlertNotification(context.Background(), a.ID))

	assert.Equal(t, 1, email.sendCount())
}

func TestSendAlertNotification_InactiveAlert(t *testing.T) {
	s := newTestStore(t)
	a := raiseTestAlert(t, s)
	require.NoError(t, s.ResolveAlert(a.ID))

	email := &fakeProvider{channel: model.ChannelEmail}
	d := NewDispatcher(s, []ChannelConfig{
		{Provider: email, Cooldown: DefaultEmailCooldown},
	}, time.Minute)

	require.NoError(t, d.SendAlertNotification(context.Background(), a.ID))
	assert.Equal(t, 0, email.sendCount())
}

func TestSendAlertNotification_UnknownAlert(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, nil, time.Minute)

	err := d.SendAlertNotification(context.Background(), "no-such-alert")
	assert.Error(t, err)
}

func TestProcessUnsent_RetriesFailedDelivery(t *testing.T) {
	s := newTestStore(t)
	a := raiseTestAlert(t, s)

	email := &fakeProvider{channel: model.ChannelEmail, err: errors.New("smtp down")}
	d := NewDispatcher(s, []ChannelConfig{
		{Provider: email, Cooldown: DefaultEmailCooldown},
	}, time.Minute)

	require.NoError(t, d.SendAlertNotification(context.Background(), a.ID))
	assert.Equal(t, 1, email.sendCount())

	// The failed send left no history, so the sweep picks the alert up again.
	email.setErr(nil)
	d.processUnsent(context.Background())

	assert.Equal(t, 2, email.sendCount())
	got, err := s.Alert(a.ID)
	require.NoError(t, err)
	assert.Len(t, got.NotificationsSent[model.ChannelEmail], 1)
}

func TestProcessUnsent_SkipsAcknowledged(t *testing.T) {
	s := newTestStore(t)
	a := raiseTestAlert(t, s)
	require.NoError(t, s.AcknowledgeAlert(a.ID, "ops"))

	email := &fakeProvider{channel: model.ChannelEmail}
	d := NewDispatcher(s, []ChannelConfig{
		{Provider: email, Cooldown: DefaultEmailCooldown},
	}, time.Minute)

	d.processUnsent(context.Background())
	assert.Equal(t, 0, email.sendCount())
}
