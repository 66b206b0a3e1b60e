// Package notification delivers simulator events (position closes,
// strong signals, feed trouble) to external channels: Telegram,
// generic webhooks, or the log.
package notification

import (
	"context"
	"fmt"
	"log"

	"perpsim/internal/model"
	"perpsim/internal/strategy"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts instead of delivering them (useful for
// development and as the default backend).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Fanout delivers each alert to every backend. Individual delivery
// failures are logged and do not stop the others.
type Fanout struct {
	backends []Notifier
}

// NewFanout creates a fanout over the given backends.
func NewFanout(backends ...Notifier) *Fanout {
	return &Fanout{backends: backends}
}

func (f *Fanout) Send(ctx context.Context, alert Alert) error {
	for _, b := range f.backends {
		if err := b.Send(ctx, alert); err != nil {
			log.Printf("[notify] backend delivery failed: %v", err)
		}
	}
	return nil
}

// ─── Alert builders ──────────────────────────────────────────────────────────

// PositionClosedAlert describes an automatic position close.
func PositionClosedAlert(pos model.Position, reason string, price float64) Alert {
	pnl := pos.PnL(price)
	level := AlertInfo
	if reason == "liquidation" {
		level = AlertCritical
	} else if pnl < 0 {
		level = AlertWarning
	}
	return Alert{
		Level: level,
		Title: fmt.Sprintf("%s %s closed (%s)", pos.Symbol, pos.Side, reason),
		Message: fmt.Sprintf("entry %.2f exit %.2f size %.2f pnl %+.2f USD (%+.2f%%)",
			pos.EntryPrice, price, pos.Size, pnl, pos.ROI(price)),
	}
}

// SignalAlert describes a high-conviction strategy signal.
func SignalAlert(symbol string, res strategy.Result) Alert {
	msg := string(res.Label)
	if res.Setup != nil {
		msg = fmt.Sprintf("%s %s entry %.2f sl %.2f tp %.2f",
			res.Label, res.Setup.Side, res.Setup.Entry, res.Setup.StopLoss, res.Setup.TakeProfit)
	}
	return Alert{
		Level:   AlertWarning,
		Title:   fmt.Sprintf("%s signal: %s", res.Strategy, symbol),
		Message: msg,
	}
}

// OrderFilledAlert describes a pending order that just filled.
func OrderFilledAlert(order model.PendingOrder, price float64) Alert {
	return Alert{
		Level: AlertInfo,
		Title: fmt.Sprintf("%s %s %s filled", order.Symbol, order.OrderType, order.Side),
		Message: fmt.Sprintf("trigger %.2f filled at %.2f, margin %.2f x%g",
			order.TriggerPrice, price, order.Margin, order.Leverage),
	}
}
