// Package engine implements the monitoring-and-execution core: the
// parallel condition evaluator, the order executor, the pending-order
// reconciler, and the monitor loop composing them.
package engine

import (
	"context"

	"github.com/rs/zerolog"

	"tradewatch/internal/models"
	"tradewatch/internal/notify"
)

// ExecutionEvent describes a fill, whether it came from the market path
// or from reconciliation of a resting order.
type ExecutionEvent struct {
	Plan          *models.TradePlan
	Symbol        string
	ExecutedPrice float64
	Ticket        string
}

// PostExecutionHook is invoked exactly once per fill. External
// collaborators (trailing-stop registration, notification, journaling)
// attach through this interface; the engine only guarantees the call.
type PostExecutionHook interface {
	OnExecuted(ctx context.Context, event ExecutionEvent)
}

// HookFunc adapts a function to PostExecutionHook.
type HookFunc func(ctx context.Context, event ExecutionEvent)

// OnExecuted calls the function.
func (f HookFunc) OnExecuted(ctx context.Context, event ExecutionEvent) {
	f(ctx, event)
}

// fireHooks invokes every hook, recovering from panics so that a
// misbehaving collaborator cannot take down the monitoring cycle.
func fireHooks(ctx context.Context, logger zerolog.Logger, hooks []PostExecutionHook, event ExecutionEvent) {
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).
						Str("plan_id", event.Plan.ID).
						Msg("Post-execution hook panicked")
				}
			}()
			hook.OnExecuted(ctx, event)
		}()
	}
}

// NotifierHook adapts a notify.Notifier to a post-execution hook.
func NotifierHook(notifier notify.Notifier, logger zerolog.Logger) PostExecutionHook {
	return HookFunc(func(ctx context.Context, event ExecutionEvent) {
		err := notify.SendFill(ctx, notifier, notify.Fill{
			Plan:          event.Plan,
			ExecutedPrice: event.ExecutedPrice,
			Ticket:        event.Ticket,
		})
		if err != nil {
			logger.Warn().Err(err).Str("plan_id", event.Plan.ID).Msg("Fill notification failed")
		}
	})
}
