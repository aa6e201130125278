package notice

import (
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Codes identify the situation so callers can render their own text.
const (
	CodeSaleOffline       = "sale_offline"
	CodeQuoteOffline      = "quote_converted_offline"
	CodeQuoteRejected     = "quote_conversion_rejected"
	CodeStockSkipped      = "stock_adjustment_skipped"
	CodeStockSyncFailed   = "stock_sync_failed"
	CodeInvoiceLinkFailed = "invoice_link_failed"
)

// Notice is a user-facing message about something the engine recovered
// from on its own.
type Notice struct {
	Level   Level     `json:"level"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	Notify(level Level, code, message string)
}

const defaultCapacity = 50

// Log keeps the most recent notices in a fixed-size ring.
type Log struct {
	mu       sync.Mutex
	items    []Notice
	next     int
	full     bool
	clock    func() time.Time
	listener func(Notice)
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{items: make([]Notice, capacity), clock: time.Now}
}

// OnNotice registers fn to be called after every added notice.
func (l *Log) OnNotice(fn func(Notice)) {
	l.mu.Lock()
	l.listener = fn
	l.mu.Unlock()
}

func (l *Log) Notify(level Level, code, message string) {
	l.Add(Notice{Level: level, Code: code, Message: message})
}

func (l *Log) Add(n Notice) {
	l.mu.Lock()
	if n.At.IsZero() {
		n.At = l.clock()
	}
	l.items[l.next] = n
	l.next = (l.next + 1) % len(l.items)
	if l.next == 0 {
		l.full = true
	}
	listener := l.listener
	l.mu.Unlock()

	if listener != nil {
		listener(n)
	}
}

// Recent returns the stored notices, oldest first.
func (l *Log) Recent() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Notice, l.next)
		copy(out, l.items[:l.next])
		return out
	}
	out := make([]Notice, 0, len(l.items))
	out = append(out, l.items[l.next:]...)
	out = append(out, l.items[:l.next]...)
	return out
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(Level, string, string) {}
