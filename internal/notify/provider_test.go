package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carepro-cli/internal/metrics"
	"carepro-cli/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeAPI struct {
	mu       sync.Mutex
	items    []models.Notification
	countErr error
	read     []string
	readAll  bool
}

func (f *fakeAPI) GetNotifications(context.Context) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notification(nil), f.items...), nil
}

func (f *fakeAPI) GetUnreadCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return countUnread(f.items), nil
}

func (f *fakeAPI) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, id)
	return nil
}

func (f *fakeAPI) MarkAllNotificationsRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAll = true
	return nil
}

func (f *fakeAPI) push(n models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
}

func notification(id string, read bool, at time.Time) models.Notification {
	return models.Notification{ID: id, Title: "Title " + id, IsRead: read, CreatedAt: at}
}

func TestProvider_RefreshAndMarkRead(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	api := &fakeAPI{items: []models.Notification{
		notification("old", false, base),
		notification("new", false, base.Add(time.Hour)),
		notification("seen", true, base.Add(-time.Hour)),
	}}
	p := NewProvider(api, Options{})

	require.NoError(t, p.Refresh(context.Background()))
	snap := p.Snapshot()
	assert.Equal(t, 2, snap.UnreadCount)
	assert.Equal(t, ModeOffline, snap.Mode)
	require.Len(t, snap.Notifications, 3)
	assert.Equal(t, "new", snap.Notifications[0].ID)

	require.NoError(t, p.MarkAsRead(context.Background(), "old"))
	require.NoError(t, p.MarkAsRead(context.Background(), "old"))
	assert.Equal(t, 1, p.Snapshot().UnreadCount)
	assert.Equal(t, []string{"old", "old"}, api.read)

	require.NoError(t, p.MarkAllAsRead(context.Background()))
	snap = p.Snapshot()
	assert.Zero(t, snap.UnreadCount)
	assert.True(t, api.readAll)
	for _, n := range snap.Notifications {
		assert.True(t, n.IsRead)
	}
}

func TestProvider_UnreadCountFallback(t *testing.T) {
	api := &fakeAPI{
		items:    []models.Notification{notification("a", false, time.Now()), notification("b", false, time.Now())},
		countErr: errors.New("not found"),
	}
	p := NewProvider(api, Options{})
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 2, p.Snapshot().UnreadCount)
}

func TestProvider_LiveNotifications(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	srv, _ := hubServer(t, nil, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":1,"target":"ReceiveNotification","arguments":[{"id":"live-1","title":"New gig","isRead":false}]}`+"\x1e"))
		<-release
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":7}`+"\x1e"))
	})
	defer srv.Close()

	m := metrics.NewMetrics()
	api := &fakeAPI{items: []models.Notification{notification("n1", false, time.Now())}}
	p := NewProvider(api, Options{
		HubURL:       srv.URL,
		Token:        testToken,
		PollInterval: time.Hour,
		Metrics:      m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case n := <-p.Incoming():
		assert.Equal(t, "live-1", n.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no live notification")
	}

	snap := p.Snapshot()
	assert.Equal(t, ModeLive, snap.Mode)
	assert.Equal(t, 2, snap.UnreadCount)
	assert.Equal(t, "live-1", snap.Notifications[0].ID)
	assert.Equal(t, int64(1), m.GetSnapshot().NotificationsReceived)

	// сервер закрывает хаб без переподключения: провайдер уходит в опрос
	close(release)
	require.Eventually(t, func() bool { return p.Snapshot().Mode == ModePolling }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("provider did not stop")
	}
}

func TestProvider_FallsBackToPolling(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := &fakeAPI{items: []models.Notification{notification("n1", false, time.Now())}}
	p := NewProvider(api, Options{
		HubURL:          "http://127.0.0.1:1/notificationHub",
		ReconnectDelays: []time.Duration{0},
		PollInterval:    20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Snapshot().Mode == ModePolling }, 2*time.Second, 10*time.Millisecond)
	api.push(notification("n2", false, time.Now().Add(time.Minute)))

	select {
	case n := <-p.Incoming():
		assert.Equal(t, "n2", n.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not pick up new notification")
	}
	assert.Equal(t, 2, p.Snapshot().UnreadCount)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("provider did not stop")
	}
}
