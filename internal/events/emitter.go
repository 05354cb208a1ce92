// ============================================================================
// Escrow Ledger 事件發送器
// ============================================================================
//
// Package: internal/events
// 文件: emitter.go
// 功能: 為帳本事件編號、保存最近的事件，並推送給訂閱者
//
// 設計理念:
//   Emit 在帳本臨界區內被呼叫，所以絕不失敗也絕不阻塞：
//   1. 事件寫入固定容量的環形日誌，供 Since(seq) 補發
//   2. 每個訂閱者有自己的無上限信箱與推送 goroutine，
//      慢速訂閱者只會讓自己的信箱變長，不會拖慢帳本或其他訂閱者
//   3. 只要訂閱者沒有 Close，事件不會被丟棄
//
// ============================================================================

package events

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

var log = slog.Default()

// DefaultRetention 環形日誌預設容量
const DefaultRetention = 1024

// Emitter 事件發送器
type Emitter struct {
	mu      sync.Mutex
	seq     uint64
	ring    []Event
	head    int // 最舊事件的位置
	size    int
	subs    map[uint64]*Subscription
	nextSub uint64
}

// NewEmitter 建立發送器
//
// 參數：
//   - retention: 保留的事件數量，<= 0 時使用 DefaultRetention
func NewEmitter(retention int) *Emitter {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Emitter{
		ring: make([]Event, retention),
		subs: make(map[uint64]*Subscription),
	}
}

// Emit 為事件編號、記錄並推送，回傳編號後的事件
//
// 併發安全：可在任何 goroutine 呼叫；不會阻塞
func (e *Emitter) Emit(ev Event) Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev.stamp(e.seq)

	idx := (e.head + e.size) % len(e.ring)
	e.ring[idx] = ev
	if e.size < len(e.ring) {
		e.size++
	} else {
		e.head = (e.head + 1) % len(e.ring)
	}

	for _, sub := range e.subs {
		sub.push(ev)
	}

	log.Debug("event emitted", "seq", ev.Seq, "type", ev.Type, "job_id", ev.JobID)
	return ev
}

// LastSeq 最後一個事件的序號，尚未發出任何事件時為 0
func (e *Emitter) LastSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Restore 以快照保存的事件重建環形日誌，序號從 seq 接續（用於從快照恢復）
//
// retained 必須依序號遞增且不超過 seq；超過容量時只保留最新的部分
func (e *Emitter) Restore(seq uint64, retained []Event) error {
	for i, ev := range retained {
		if ev.Seq > seq || (i > 0 && ev.Seq <= retained[i-1].Seq) {
			return errors.Newf("retained event seq %d out of order (last seq %d)", ev.Seq, seq)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(retained) > len(e.ring) {
		retained = retained[len(retained)-len(e.ring):]
	}
	e.seq = seq
	e.head = 0
	e.size = copy(e.ring, retained)
	return nil
}

// FirstSeq 環形日誌中最舊事件的序號；日誌為空時回傳下一個序號
//
// 序號小於 FirstSeq 的事件已無法補發
func (e *Emitter) FirstSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.size == 0 {
		return e.seq + 1
	}
	return e.ring[e.head].Seq
}

// Since 回傳序號大於 seq 且仍在保留範圍內的事件，依序號遞增
func (e *Emitter) Since(seq uint64) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.since(seq)
}

// since 假設調用者已持有鎖
func (e *Emitter) since(seq uint64) []Event {
	out := make([]Event, 0)
	for i := 0; i < e.size; i++ {
		ev := e.ring[(e.head+i)%len(e.ring)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe 訂閱之後發出的所有事件
func (e *Emitter) Subscribe() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribe(nil)
}

// SubscribeSince 先補發保留範圍內序號大於 seq 的事件，再接續新事件，中間不會遺漏
func (e *Emitter) SubscribeSince(seq uint64) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribe(e.since(seq))
}

// Subscribers 目前訂閱者數量
func (e *Emitter) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// subscribe 假設調用者已持有鎖
func (e *Emitter) subscribe(backlog []Event) *Subscription {
	e.nextSub++
	sub := &Subscription{
		id:      e.nextSub,
		emitter: e,
		queue:   backlog,
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		done:    make(chan struct{}),
	}
	e.subs[sub.id] = sub
	go sub.run()
	return sub
}

func (e *Emitter) unsubscribe(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

// ============================================================================
// 訂閱
// ============================================================================

// Subscription 單一訂閱者的信箱
type Subscription struct {
	id      uint64
	emitter *Emitter

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// C 事件通道；Close 之後會被關閉
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close 取消訂閱，信箱中尚未送出的事件會被丟棄
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.emitter.unsubscribe(s.id)
		close(s.done)
	})
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run 把信箱內容依序送到 out
func (s *Subscription) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
