// Package budget watches wallet balances and raises low-balance alerts.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/ledger"
	"github.com/felipepmaragno/llm-gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelLow      AlertLevel = "low"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelDepleted AlertLevel = "depleted"
)

type Alert struct {
	OrgID      string
	Level      AlertLevel
	Threshold  float64
	BalanceUSD float64
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

// Thresholds are spendable balances in USD. A balance below Low raises a
// low alert and below Critical a critical one. Low <= 0 turns the monitor
// off.
type Thresholds struct {
	Low      float64
	Critical float64
}

func DefaultThresholds(low float64) Thresholds {
	return Thresholds{
		Low:      low,
		Critical: low / 4,
	}
}

type Monitor struct {
	mu            sync.RWMutex
	alertHandlers []AlertHandler
	thresholds    Thresholds
	dedup         AlertDeduplicator
	now           func() time.Time
}

type Option func(*Monitor)

func WithDeduplicator(d AlertDeduplicator) Option {
	return func(m *Monitor) { m.dedup = d }
}

func NewMonitor(thresholds Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		thresholds: thresholds,
		dedup:      NewInMemoryDeduplicator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Observe matches ledger.Observer so the monitor can be attached with
// ledger.WithObserver.
func (m *Monitor) Observe(ctx context.Context, wallet ledger.WalletState) {
	m.Check(ctx, wallet)
}

// Check classifies the wallet balance and dispatches an alert when the
// level differs from the last one sent. A balance back above the low
// threshold clears the alert state.
func (m *Monitor) Check(ctx context.Context, wallet ledger.WalletState) *Alert {
	if m.thresholds.Low <= 0 {
		return nil
	}

	balance := wallet.Balance().USD()

	var level AlertLevel
	var threshold float64
	switch {
	case balance <= 0:
		level, threshold = AlertLevelDepleted, 0
	case balance < m.thresholds.Critical:
		level, threshold = AlertLevelCritical, m.thresholds.Critical
	case balance < m.thresholds.Low:
		level, threshold = AlertLevelLow, m.thresholds.Low
	default:
		m.dedup.ClearAlert(ctx, wallet.OrgID)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, wallet.OrgID, level) {
		return nil
	}

	alert := &Alert{
		OrgID:      wallet.OrgID,
		Level:      level,
		Threshold:  threshold,
		BalanceUSD: balance,
		Timestamp:  m.now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.Warn("low balance alert",
		"org_id", alert.OrgID,
		"level", alert.Level,
		"threshold_usd", alert.Threshold,
		"balance_usd", alert.BalanceUSD,
	)
}

// NotifyHandler forwards alerts to a notifier in the background. Delivery
// failures are logged.
func NotifyHandler(n notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		notification := notifications.Notification{
			Type:    notifications.NotificationLowBalance,
			OrgID:   alert.OrgID,
			Message: fmt.Sprintf("balance $%.2f is below $%.2f", alert.BalanceUSD, alert.Threshold),
			Data: map[string]interface{}{
				"level":       string(alert.Level),
				"balance_usd": alert.BalanceUSD,
				"threshold":   alert.Threshold,
			},
		}
		if alert.Level == AlertLevelDepleted {
			notification.Type = notifications.NotificationCreditsDepleted
			notification.Message = "credits depleted"
		}

		sendCtx := context.WithoutCancel(ctx)
		go func() {
			ctx, cancel := context.WithTimeout(sendCtx, 10*time.Second)
			defer cancel()
			if err := n.Send(ctx, notification); err != nil {
				slog.Error("failed to send balance alert",
					"error", err,
					"org_id", alert.OrgID,
					"level", alert.Level,
				)
			}
		}()
	}
}
