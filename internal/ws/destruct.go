package ws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iamarpitsharma/Cryptalk/internal/metrics"
)

type destructStore interface {
	MarkDestroyed(ctx context.Context, messageID string) error
}

// Destructor 管理阅后即焚定时器。每条消息至多武装一次：重复 Arm 是
// 幂等的，不会推迟首次设定的触发时刻。定时器只存在于内存中，进程
// 重启后不再补发。
type Destructor struct {
	mu      sync.Mutex
	armed   map[string]bool
	content destructStore
	notify  func(roomID, messageID string)
}

func NewDestructor(content destructStore, notify func(roomID, messageID string)) *Destructor {
	return &Destructor{armed: make(map[string]bool), content: content, notify: notify}
}

// Arm 为消息安排销毁定时器，返回是否真正武装了新定时器。
func (d *Destructor) Arm(messageID, roomID string, delay time.Duration) bool {
	d.mu.Lock()
	if d.armed[messageID] {
		d.mu.Unlock()
		return false
	}
	d.armed[messageID] = true
	d.mu.Unlock()

	metrics.DestructArmed.Inc()
	time.AfterFunc(delay, func() { d.fire(messageID, roomID) })
	return true
}

// Armed 报告消息是否已有定时器。
func (d *Destructor) Armed(messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed[messageID]
}

func (d *Destructor) fire(messageID, roomID string) {
	metrics.DestructArmed.Dec()
	metrics.DestructFiredTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.content.MarkDestroyed(ctx, messageID); err != nil {
		// 不重试：正文还在，但 armed 标记保证不会再次触发
		log.Error().Err(err).Str("message_id", messageID).Msg("self-destruct persist failed")
		return
	}
	if d.notify != nil {
		d.notify(roomID, messageID)
	}
}
