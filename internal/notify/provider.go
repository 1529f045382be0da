package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"carepro-cli/internal/metrics"
	"carepro-cli/internal/models"

	"go.uber.org/zap"
)

// Методы хаба, которые вызывает сервер
const (
	TargetReceiveNotification = "ReceiveNotification"
	TargetUnreadCount         = "UnreadCountUpdated"
)

// Mode откуда сейчас приходят уведомления
type Mode string

const (
	ModeOffline Mode = "offline"
	ModeLive    Mode = "live"
	ModePolling Mode = "polling"
)

type API interface {
	GetNotifications(ctx context.Context) ([]models.Notification, error)
	GetUnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Snapshot состояние списка уведомлений
type Snapshot struct {
	Notifications []models.Notification
	UnreadCount   int
	Mode          Mode
}

type Options struct {
	// HubURL пустой - сразу опрос REST
	HubURL          string
	Token           func() (string, error)
	ReconnectDelays []time.Duration
	PollInterval    time.Duration
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

type Provider struct {
	api          API
	hub          *HubClient
	pollInterval time.Duration
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu      sync.Mutex
	items   []models.Notification
	unread  int
	mode    Mode
	updates chan Snapshot
	// incoming новые уведомления для вывода в реальном времени
	incoming chan models.Notification
}

func NewProvider(client API, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	p := &Provider{
		api:          client,
		pollInterval: opts.PollInterval,
		metrics:      opts.Metrics,
		logger:       opts.Logger.Named("notify"),
		mode:         ModeOffline,
		updates:      make(chan Snapshot, 1),
		incoming:     make(chan models.Notification, 32),
	}
	if opts.HubURL != "" {
		hubOpts := []HubOption{WithHubLogger(opts.Logger), withStateHook(p.setLive)}
		if len(opts.ReconnectDelays) > 0 {
			hubOpts = append(hubOpts, WithReconnectDelays(opts.ReconnectDelays))
		}
		p.hub = NewHubClient(opts.HubURL, opts.Token, p.handleInvocation, hubOpts...)
	}
	return p
}

func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Updates последний снимок после каждого изменения
func (p *Provider) Updates() <-chan Snapshot { return p.updates }

// Incoming уведомления, пришедшие после запуска Run
func (p *Provider) Incoming() <-chan models.Notification { return p.incoming }

func (p *Provider) snapshotLocked() Snapshot {
	return Snapshot{
		Notifications: append([]models.Notification(nil), p.items...),
		UnreadCount:   p.unread,
		Mode:          p.mode,
	}
}

func (p *Provider) publishLocked() {
	s := p.snapshotLocked()
	select {
	case <-p.updates:
	default:
	}
	p.updates <- s
}

func (p *Provider) setMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == m {
		return
	}
	p.mode = m
	p.publishLocked()
}

func (p *Provider) setLive(connected bool) {
	if connected {
		p.setMode(ModeLive)
		return
	}
	p.setMode(ModeOffline)
}

// Refresh перечитывает список и счётчик непрочитанных
func (p *Provider) Refresh(ctx context.Context) error {
	items, err := p.api.GetNotifications(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	count, err := p.api.GetUnreadCount(ctx)
	if err != nil {
		p.logger.Warn("unread count unavailable, counting locally", zap.Error(err))
		count = countUnread(items)
	}
	sortNewestFirst(items)

	p.mu.Lock()
	defer p.mu.Unlock()
	fresh := p.newSinceLocked(items)
	p.items = items
	p.unread = count
	p.publishLocked()
	if p.mode == ModePolling {
		for _, n := range fresh {
			p.emitLocked(n)
		}
	}
	return nil
}

// newSinceLocked уведомления, которых ещё нет в списке
func (p *Provider) newSinceLocked(items []models.Notification) []models.Notification {
	if len(p.items) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(p.items))
	for _, n := range p.items {
		known[n.ID] = struct{}{}
	}
	var fresh []models.Notification
	for _, n := range items {
		if _, ok := known[n.ID]; !ok {
			fresh = append(fresh, n)
		}
	}
	return fresh
}

func (p *Provider) emitLocked(n models.Notification) {
	p.metrics.IncrementNotificationsReceived()
	select {
	case p.incoming <- n:
	default:
		p.logger.Debug("incoming buffer full, dropping", zap.String("id", n.ID))
	}
}

// Run загружает список, слушает хаб и после исчерпания переподключений
// переходит на опрос REST API до отмены ctx
func (p *Provider) Run(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("initial notification load failed", zap.Error(err))
	}

	if p.hub != nil {
		err := p.hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("notification hub unavailable, falling back to polling", zap.Error(err))
	}
	p.setMode(ModePolling)
	return p.poll(ctx)
}

func (p *Provider) poll(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				// ошибка опроса не останавливает цикл
				p.logger.Warn("notification poll failed", zap.Error(err))
			}
		}
	}
}

func (p *Provider) handleInvocation(target string, args []json.RawMessage) {
	switch target {
	case TargetReceiveNotification:
		if len(args) == 0 {
			return
		}
		var n models.Notification
		if err := json.Unmarshal(args[0], &n); err != nil {
			p.logger.Warn("malformed notification", zap.Error(err))
			return
		}
		p.add(n)
	case TargetUnreadCount:
		if len(args) == 0 {
			return
		}
		var count int
		if err := json.Unmarshal(args[0], &count); err != nil {
			p.logger.Warn("malformed unread count", zap.Error(err))
			return
		}
		p.mu.Lock()
		p.unread = count
		p.publishLocked()
		p.mu.Unlock()
	default:
		p.logger.Debug("unhandled hub target", zap.String("target", target))
	}
}

func (p *Provider) add(n models.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.items {
		if existing.ID == n.ID {
			return
		}
	}
	p.items = append([]models.Notification{n}, p.items...)
	if !n.IsRead {
		p.unread++
	}
	p.emitLocked(n)
	p.publishLocked()
}

func (p *Provider) MarkAsRead(ctx context.Context, id string) error {
	if err := p.api.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.items {
		if p.items[i].ID == id && !p.items[i].IsRead {
			p.items[i].IsRead = true
			if p.unread > 0 {
				p.unread--
			}
		}
	}
	p.publishLocked()
	return nil
}

func (p *Provider) MarkAllAsRead(ctx context.Context) error {
	if err := p.api.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.items {
		p.items[i].IsRead = true
	}
	p.unread = 0
	p.publishLocked()
	return nil
}

func countUnread(items []models.Notification) int {
	n := 0
	for _, it := range items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

func sortNewestFirst(items []models.Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
