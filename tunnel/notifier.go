package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/houzhh15/sdc-agent/logging"
)

// ErrNotifierClosed Notifier 已停止，不再接受订阅
var ErrNotifierClosed = errors.New("notifier closed")

// sseClient 一个 SSE 订阅者
type sseClient struct {
	id     string
	events chan *Event
	done   chan struct{}
	once   sync.Once
}

func (c *sseClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Notifier SSE 实时推送管理器
// 会话事件广播给所有订阅者；订阅者读取落后时丢弃事件，不阻塞发布方
type Notifier struct {
	clients   sync.Map // map[string]*sseClient
	logger    logging.Logger
	heartbeat time.Duration
	buffer    int
	closed    atomic.Bool
	dropped   atomic.Int64
}

// NewNotifier 创建推送管理器，heartbeat 为 0 时每 30 秒发送一次注释行
func NewNotifier(logger logging.Logger, heartbeat time.Duration) *Notifier {
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = &noopLogger{}
	}

	return &Notifier{
		logger:    logger,
		heartbeat: heartbeat,
		buffer:    64,
	}
}

// Subscribe 以 SSE 格式向 w 推送事件，直到 ctx 结束、Unsubscribe 或 Stop
func (n *Notifier) Subscribe(ctx context.Context, clientID string, w http.ResponseWriter) error {
	if n.closed.Load() {
		return ErrNotifierClosed
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{
		id:     clientID,
		events: make(chan *Event, n.buffer),
		done:   make(chan struct{}),
	}
	if old, loaded := n.clients.Swap(clientID, client); loaded {
		old.(*sseClient).close()
	}
	defer func() {
		n.clients.CompareAndDelete(clientID, client)
		client.close()
	}()

	n.logger.Info("SSE client connected", "client_id", clientID)

	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q,\"timestamp\":%d}\n\n", clientID, time.Now().Unix())
	flusher.Flush()

	ticker := time.NewTicker(n.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()

		case event := <-client.events:
			if err := writeEvent(w, event); err != nil {
				n.logger.Error("Failed to send event", "client_id", clientID, "error", err)
				return err
			}
			flusher.Flush()

		case <-ctx.Done():
			n.logger.Info("SSE client disconnected", "client_id", clientID)
			return nil

		case <-client.done:
			n.logger.Info("SSE client unsubscribed", "client_id", clientID)
			return nil
		}
	}
}

// writeEvent SSE 格式：event: <type>\ndata: <Event JSON>\n\n
func writeEvent(w http.ResponseWriter, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// Publish 广播事件，实现 EventPublisher
func (n *Notifier) Publish(event *Event) {
	if event == nil || n.closed.Load() {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	n.clients.Range(func(key, value interface{}) bool {
		client := value.(*sseClient)
		select {
		case client.events <- event:
		case <-client.done:
		default:
			n.dropped.Add(1)
			n.logger.Warn("SSE client channel full, dropping event",
				"client_id", client.id,
				"event_type", event.Type)
		}
		return true
	})
}

// Clients 当前订阅者 ID
func (n *Notifier) Clients() []string {
	var clients []string
	n.clients.Range(func(key, value interface{}) bool {
		clients = append(clients, key.(string))
		return true
	})
	return clients
}

// Dropped 因订阅者落后而丢弃的事件数
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Unsubscribe 断开指定订阅者
func (n *Notifier) Unsubscribe(clientID string) {
	if value, ok := n.clients.LoadAndDelete(clientID); ok {
		value.(*sseClient).close()
	}
}

// Stop 断开所有订阅者并拒绝新的订阅
func (n *Notifier) Stop() error {
	n.closed.Store(true)
	n.clients.Range(func(key, value interface{}) bool {
		n.clients.Delete(key)
		value.(*sseClient).close()
		return true
	})
	return nil
}
