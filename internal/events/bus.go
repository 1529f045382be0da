// Package events реализует шину событий между процессами CLI.
// Локальные подписчики получают событие сразу; другие процессы узнают о нём
// через файл в общей директории, за которой следит fsnotify.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TopicLogout         = "logout"
	TopicProfileUpdated = "profile-updated"
	TopicStorage        = "storage"

	// TopicAll подписка на все темы
	TopicAll = "*"

	subscriberBuffer = 16
	eventTTL         = time.Minute
)

// Event одно событие шины
type Event struct {
	ID      string          `json:"id"`
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Decode разбирает payload события в v
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// StoragePayload payload события TopicStorage
type StoragePayload struct {
	Keys []string `json:"keys"`
}

type subscriber struct {
	topic string
	ch    chan Event
}

// Bus шина событий. Пустой dir означает шину только внутри процесса.
type Bus struct {
	origin string
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	subs    map[int]subscriber
	nextID  int
	watcher *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewBus(dir string, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create events dir %s: %w", dir, err)
		}
	}
	return &Bus{
		origin: uuid.New().String(),
		dir:    dir,
		logger: logger.Named("events"),
		subs:   make(map[int]subscriber),
	}, nil
}

// Origin идентификатор этого процесса
func (b *Bus) Origin() string { return b.origin }

// Subscribe возвращает канал событий темы и функцию отписки.
// Медленный подписчик теряет события, шина не блокируется.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = subscriber{topic: topic, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish доставляет событие локально и, если задан dir, другим процессам
func (b *Bus) Publish(topic string, payload any) error {
	event := Event{
		ID:     uuid.New().String(),
		Origin: b.origin,
		Topic:  topic,
		At:     time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		event.Payload = data
	}

	b.deliver(event)

	if b.dir == "" {
		return nil
	}
	return b.broadcast(event)
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.topic != TopicAll && sub.topic != event.Topic {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber", zap.String("topic", event.Topic))
		}
	}
}

func (b *Bus) broadcast(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", event.At.UnixNano(), event.ID)
	tmp := filepath.Join(b.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, name)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.prune(event.At)
	return nil
}

// prune удаляет файлы событий старше eventTTL
func (b *Bus) prune(now time.Time) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || entry.IsDir() {
			continue
		}
		if now.Sub(info.ModTime()) > eventTTL {
			_ = os.Remove(filepath.Join(b.dir, entry.Name()))
		}
	}
}

// Start начинает слушать события других процессов. Не блокирует.
func (b *Bus) Start(ctx context.Context) error {
	if b.dir == "" {
		return nil
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		b.mu.Unlock()
		return fmt.Errorf("watch %s: %w", b.dir, err)
	}
	b.watcher = watcher
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go b.run(ctx)
	return nil
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			// события публикуются через rename, поэтому достаточно Create
			if !ev.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			b.handleFile(ev.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (b *Bus) handleFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// файл уже удалён prune-ом другого процесса
		return
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Debug("skipping malformed event file", zap.String("path", path), zap.Error(err))
		return
	}
	if event.Origin == b.origin {
		return
	}
	b.deliver(event)
}

// Close останавливает наблюдение и закрывает все подписки
func (b *Bus) Close() error {
	b.mu.Lock()
	running := b.running
	b.running = false
	b.mu.Unlock()

	var err error
	if running {
		close(b.stopCh)
		<-b.doneCh
		err = b.watcher.Close()
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	return err
}
