// events.go keeps the owner notifications sent for each account in a ring
// buffer (100 entries) so the dashboard can show what the owner was told.

package session

import (
	"sync"
	"time"
)

const noticeBufferSize = 100

type Notice struct {
	AccountID uint      `json:"account_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type noticeBuffer struct {
	notices [noticeBufferSize]Notice
	head    int
	count   int
}

func (b *noticeBuffer) record(n Notice) {
	b.notices[b.head] = n
	b.head = (b.head + 1) % noticeBufferSize
	if b.count < noticeBufferSize {
		b.count++
	}
}

func (b *noticeBuffer) history() []Notice {
	if b.count == 0 {
		return nil
	}
	result := make([]Notice, b.count)
	if b.count < noticeBufferSize {
		copy(result, b.notices[:b.count])
	} else {
		n := copy(result, b.notices[b.head:])
		copy(result[n:], b.notices[:b.head])
	}
	return result
}

type noticeLog struct {
	mu      sync.RWMutex
	buffers map[uint]*noticeBuffer
}

func newNoticeLog() *noticeLog {
	return &noticeLog{buffers: make(map[uint]*noticeBuffer)}
}

func (l *noticeLog) record(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.buffers[n.AccountID]
	if !ok {
		buf = &noticeBuffer{}
		l.buffers[n.AccountID] = buf
	}
	buf.record(n)
}

func (l *noticeLog) notices(accountID uint) []Notice {
	l.mu.RLock()
	defer l.mu.RUnlock()
	buf, ok := l.buffers[accountID]
	if !ok {
		return nil
	}
	return buf.history()
}

func (l *noticeLog) remove(accountID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buffers, accountID)
}
