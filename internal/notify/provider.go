// Package notify delivers alert notifications across channels.
package notify

import (
	"context"

	"github.com/lukaswerner/displaywatch/internal/model"
)

// Provider sends notifications through a specific channel.
type Provider interface {
	Name() string
	Channel() model.Channel
	Send(ctx context.Context, n model.Notification) error
}
