package storage

import (
	"context"
	"sync"
	"time"

	"cdpmirror/internal/logger"
)

// Journal 异步写入交换记录；队列满时丢弃，不阻塞拦截流程
type Journal struct {
	db  *DB
	log logger.Logger
	ch  chan *ExchangeRecord
	wg  sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewJournal 创建并启动写入协程
func NewJournal(db *DB, l logger.Logger, capacity int) *Journal {
	if capacity <= 0 {
		capacity = 512
	}
	if l == nil {
		l = logger.NewNop()
	}
	j := &Journal{db: db, log: l, ch: make(chan *ExchangeRecord, capacity)}
	j.wg.Add(1)
	go j.run()
	return j
}

// Record 提交一条记录
func (j *Journal) Record(rec *ExchangeRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- rec:
	default:
		j.log.Warn("交换记录队列已满，丢弃", "traceId", rec.TraceID)
	}
}

// Close 停止接收并等待队列写完
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.ch)
	}
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Journal) run() {
	defer j.wg.Done()
	for rec := range j.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := j.db.RecordExchange(ctx, rec); err != nil {
			j.log.Err(err, "写入交换记录失败", "traceId", rec.TraceID)
		}
		cancel()
	}
}
