package bus

import (
	"sync"
	"time"

	"github.com/kandev/agentsupervisor/internal/model"
)

// maxHistoryEntries bounds each conversation log (§4.4).
const maxHistoryEntries = 100

// historyStaleAfter is how long a conversation log may sit with no activity
// before the background cleanup discards it (§4.4).
const historyStaleAfter = 24 * time.Hour

type conversationLog struct {
	messages   []*model.Message
	lastActive time.Time
}

// history tracks, per correlation id (or lone message id), the most recent
// messages exchanged — a bounded audit trail, not a delivery mechanism.
type history struct {
	mu   sync.Mutex
	logs map[string]*conversationLog
}

func newHistory() *history {
	return &history{logs: make(map[string]*conversationLog)}
}

func (h *history) record(msg *model.Message) {
	key := msg.EffectiveCorrelationID()
	h.mu.Lock()
	defer h.mu.Unlock()

	log, ok := h.logs[key]
	if !ok {
		log = &conversationLog{}
		h.logs[key] = log
	}
	log.messages = append(log.messages, msg)
	if len(log.messages) > maxHistoryEntries {
		log.messages = log.messages[len(log.messages)-maxHistoryEntries:]
	}
	log.lastActive = time.Now().UTC()
}

func (h *history) get(correlationID string) []*model.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.logs[correlationID]
	if !ok {
		return nil
	}
	return append([]*model.Message(nil), log.messages...)
}

// cleanup discards logs inactive for longer than historyStaleAfter (§4.4).
func (h *history) cleanup(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, log := range h.logs {
		if now.Sub(log.lastActive) > historyStaleAfter {
			delete(h.logs, key)
		}
	}
}
