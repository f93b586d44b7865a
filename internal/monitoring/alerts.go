package monitoring

import (
	"sync"
	"time"
)

// Alert is an operator-facing problem report. Unlike Logf output, alerts are
// retained so the control API can show them until they are acknowledged.
type Alert struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// AlertLog is a bounded ring of recent alerts with optional subscribers.
type AlertLog struct {
	mu     sync.Mutex
	limit  int
	seq    uint64
	alerts []Alert
	subs   map[chan Alert]struct{}
}

// NewAlertLog keeps at most limit alerts (64 when limit <= 0).
func NewAlertLog(limit int) *AlertLog {
	if limit <= 0 {
		limit = 64
	}
	return &AlertLog{limit: limit, subs: make(map[chan Alert]struct{})}
}

// Alerts is the process-wide operator channel.
var Alerts = NewAlertLog(0)

// Raise records an alert, logs it and forwards it to subscribers without
// blocking on slow readers.
func (l *AlertLog) Raise(source string, err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.seq++
	a := Alert{Seq: l.seq, Time: time.Now(), Source: source, Message: err.Error()}
	l.alerts = append(l.alerts, a)
	if len(l.alerts) > l.limit {
		l.alerts = l.alerts[len(l.alerts)-l.limit:]
	}
	subs := make([]chan Alert, 0, len(l.subs))
	for ch := range l.subs {
		subs = append(subs, ch)
	}
	l.mu.Unlock()

	Logf("[alert] %s: %v", source, err)
	for _, ch := range subs {
		select {
		case ch <- a:
		default:
		}
	}
}

// Recent returns alerts with a sequence number greater than since.
func (l *AlertLog) Recent(since uint64) []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Alert, 0, len(l.alerts))
	for _, a := range l.alerts {
		if a.Seq > since {
			out = append(out, a)
		}
	}
	return out
}

// Subscribe returns a channel receiving new alerts and an unsubscribe func.
func (l *AlertLog) Subscribe() (<-chan Alert, func()) {
	ch := make(chan Alert, 16)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
}
