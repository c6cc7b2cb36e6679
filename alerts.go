package campusrooms

import (
	"log/slog"
	"sync"
)

// AlertLevel is the severity of a user-visible alert.
type AlertLevel string

const (
	AlertInfo    AlertLevel = "info"
	AlertSuccess AlertLevel = "success"
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

// Alerter shows a transient message to the user.
type Alerter interface {
	Notify(level AlertLevel, text string)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(level AlertLevel, text string)

func (f AlerterFunc) Notify(level AlertLevel, text string) { f(level, text) }

// LogAlerter writes alerts to a structured logger.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Notify(level AlertLevel, text string) {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	switch level {
	case AlertError:
		l.Error(text, "alert", string(level))
	case AlertWarning:
		l.Warn(text, "alert", string(level))
	default:
		l.Info(text, "alert", string(level))
	}
}

// Alert is one recorded alert.
type Alert struct {
	Level AlertLevel
	Text  string
}

// AlertRecorder keeps every alert it receives.
type AlertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *AlertRecorder) Notify(level AlertLevel, text string) {
	r.mu.Lock()
	r.alerts = append(r.alerts, Alert{Level: level, Text: text})
	r.mu.Unlock()
}

// Alerts returns a copy of the recorded alerts in arrival order.
func (r *AlertRecorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
