// Package notify delivers drift and fault reports over independent
// channels. A channel failure is recorded and logged; it never fails the
// invocation and never stops the channels after it.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/render"
)

// ErrSkipped is returned (possibly wrapped) by a channel that deliberately
// sent nothing, e.g. because its destination is still a placeholder.
var ErrSkipped = errors.New("channel skipped")

// Kind distinguishes drift reports from fault reports.
type Kind string

const (
	KindDrift Kind = "drift"
	KindFault Kind = "fault"
)

// Message is one report, pre-rendered for text channels and carrying the
// structured data for the others.
type Message struct {
	Kind    Kind
	Subject string
	Text    string
	Finding *models.DriftFinding
	Fault   *models.FaultNotice
}

// DriftMessage builds the message for a drift finding.
func DriftMessage(f *models.DriftFinding) Message {
	return Message{
		Kind:    KindDrift,
		Subject: render.DriftSubject(f),
		Text:    render.DriftText(f),
		Finding: f,
	}
}

// FaultMessage builds the message for a faulted invocation.
func FaultMessage(n models.FaultNotice) Message {
	return Message{
		Kind:    KindFault,
		Subject: render.FaultSubject(n),
		Text:    render.FaultText(n),
		Fault:   &n,
	}
}

// Channel delivers a message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier fans a message out to its channels in order.
type Notifier struct {
	channels []Channel
	logger   *zap.Logger
}

// New returns a Notifier over channels. A nil logger discards output.
func New(logger *zap.Logger, channels ...Channel) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{channels: channels, logger: logger}
}

// Channels returns the configured channel names in delivery order.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, c := range n.channels {
		names = append(names, c.Name())
	}
	return names
}

// Notify delivers the drift report for f.
func (n *Notifier) Notify(ctx context.Context, f *models.DriftFinding) []models.ChannelOutcome {
	return n.Send(ctx, DriftMessage(f))
}

// NotifyFault delivers a fault report.
func (n *Notifier) NotifyFault(ctx context.Context, notice models.FaultNotice) []models.ChannelOutcome {
	return n.Send(ctx, FaultMessage(notice))
}

// Send attempts every channel and returns one outcome per channel.
func (n *Notifier) Send(ctx context.Context, msg Message) []models.ChannelOutcome {
	outcomes := make([]models.ChannelOutcome, 0, len(n.channels))
	for _, c := range n.channels {
		out := models.ChannelOutcome{Channel: c.Name()}
		err := n.deliver(ctx, c, msg)
		switch {
		case err == nil:
			out.Delivered = true
			n.logger.Info("notification sent", zap.String("channel", c.Name()), zap.String("kind", string(msg.Kind)))
		case errors.Is(err, ErrSkipped):
			out.Skipped = true
			out.Error = err.Error()
			n.logger.Warn("notification skipped", zap.String("channel", c.Name()), zap.Error(err))
		default:
			out.Error = err.Error()
			n.logger.Error("notification failed", zap.String("channel", c.Name()), zap.Error(err))
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// deliver calls the channel and turns a panic into an error.
func (n *Notifier) deliver(ctx context.Context, c Channel, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", c.Name(), r)
		}
	}()
	return c.Send(ctx, msg)
}
