package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradewatch/internal/engine"
	"tradewatch/internal/errors"
	"tradewatch/internal/models"
	"tradewatch/internal/store"
)

func newPlanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Trade plan management",
		Long: `Create, inspect, and cancel conditional trade plans.

A running monitor picks up new plans on its next cycle; cancellations
take effect the same way, with any resting broker order cancelled first.`,
	}

	cmd.AddCommand(newPlanAddCmd(app))
	cmd.AddCommand(newPlanListCmd(app))
	cmd.AddCommand(newPlanShowCmd(app))
	cmd.AddCommand(newPlanCancelCmd(app))

	return cmd
}

func requireStore(app *App) error {
	if app.Store == nil {
		return errors.Wrap(errors.ErrDatabaseError, "plan store unavailable")
	}
	return nil
}

func newPlanAddCmd(app *App) *cobra.Command {
	var (
		symbol     string
		direction  string
		orderType  string
		entryPrice float64
		stopLoss   float64
		takeProfit float64
		volume     float64
		conditions string
		expiresIn  time.Duration
		strategy   string
		notes      string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a new trade plan",
		Long: `Add a conditional trade plan.

Conditions are a JSON object mapping condition types to parameters, for
example:

  tradewatch plan add --symbol XAUUSD --direction BUY --type stop \
    --entry 4465 --sl 4440 --tp 4520 --volume 0.1 \
    --conditions '{"choch_bull":{"timeframe":"5m"},"price_near":{"price":4460,"tolerance":5}}'

Pass @filename to read conditions from a file. Unknown condition types
are rejected. Use 'tradewatch config conditions' for the full list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireStore(app); err != nil {
				return err
			}

			raw := []byte(conditions)
			if strings.HasPrefix(conditions, "@") {
				data, err := os.ReadFile(conditions[1:])
				if err != nil {
					return fmt.Errorf("reading conditions file: %w", err)
				}
				raw = data
			}

			plan := &models.TradePlan{
				Symbol:        strings.ToUpper(symbol),
				Direction:     models.Direction(strings.ToUpper(direction)),
				OrderType:     models.OrderType(strings.ToLower(orderType)),
				EntryPrice:    entryPrice,
				StopLoss:      stopLoss,
				TakeProfit:    takeProfit,
				Volume:        volume,
				ConditionsRaw: raw,
				Strategy:      strategy,
				Notes:         notes,
			}
			if expiresIn > 0 {
				plan.ExpiresAt = time.Now().Add(expiresIn)
			}

			conds, err := engine.ValidatePlan(plan, app.Parser)
			if err != nil {
				return err
			}

			if err := app.Store.Add(cmd.Context(), plan); err != nil {
				return err
			}
			if err := app.Store.Flush(cmd.Context()); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(plan)
			}
			output.Success("Plan %s added", plan.ID)
			output.Printf("  %s %s %s", plan.Direction, plan.Symbol, plan.OrderType)
			if plan.OrderType != models.OrderTypeMarket {
				output.Printf(" @ %.2f", plan.EntryPrice)
			}
			output.Println()
			output.Dim("  conditions: %s", strings.Join(conds.Types(), ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument symbol (required)")
	cmd.Flags().StringVar(&direction, "direction", "", "BUY or SELL (required)")
	cmd.Flags().StringVar(&orderType, "type", "market", "order type: market, stop, limit")
	cmd.Flags().Float64Var(&entryPrice, "entry", 0, "entry price (required for stop/limit)")
	cmd.Flags().Float64Var(&stopLoss, "sl", 0, "stop loss price")
	cmd.Flags().Float64Var(&takeProfit, "tp", 0, "take profit price")
	cmd.Flags().Float64Var(&volume, "volume", 0, "order volume (required)")
	cmd.Flags().StringVar(&conditions, "conditions", "", "conditions JSON object, or @file")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire the plan after this duration (0 = never)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "strategy tag")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("direction")
	cmd.MarkFlagRequired("volume")

	return cmd
}

func newPlanListCmd(app *App) *cobra.Command {
	var (
		symbol   string
		status   string
		strategy string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trade plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireStore(app); err != nil {
				return err
			}

			plans, err := app.Store.List(cmd.Context(), store.PlanFilter{
				Symbol:   strings.ToUpper(symbol),
				Status:   models.PlanStatus(status),
				Strategy: strategy,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(plans)
			}
			if len(plans) == 0 {
				output.Dim("No plans found")
				return nil
			}

			output.Printf("%-38s %-10s %-5s %-8s %10s %8s  %s\n",
				"ID", "SYMBOL", "SIDE", "TYPE", "ENTRY", "VOLUME", "STATUS")
			for _, plan := range plans {
				output.Printf("%-38s %-10s %-5s %-8s %10.2f %8.2f  %s\n",
					plan.ID, plan.Symbol, plan.Direction, plan.OrderType,
					plan.EntryPrice, plan.Volume, statusText(output, plan.Status))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&strategy, "strategy", "", "filter by strategy tag")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum plans to return")

	return cmd
}

func newPlanShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a trade plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireStore(app); err != nil {
				return err
			}

			plan, err := app.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(plan)
			}

			output.Printf("Plan:       %s\n", plan.ID)
			output.Printf("Symbol:     %s\n", plan.Symbol)
			output.Printf("Direction:  %s\n", plan.Direction)
			output.Printf("Order type: %s\n", plan.OrderType)
			if plan.OrderType != models.OrderTypeMarket {
				output.Printf("Entry:      %.2f\n", plan.EntryPrice)
			}
			if plan.StopLoss > 0 {
				output.Printf("Stop loss:  %.2f\n", plan.StopLoss)
			}
			if plan.TakeProfit > 0 {
				output.Printf("Take profit: %.2f\n", plan.TakeProfit)
			}
			output.Printf("Volume:     %.2f\n", plan.Volume)
			output.Printf("Status:     %s\n", statusText(output, plan.Status))
			output.Printf("Conditions: %s\n", string(plan.ConditionsRaw))
			if plan.Strategy != "" {
				output.Printf("Strategy:   %s\n", plan.Strategy)
			}
			if plan.PendingOrderTicket != "" {
				output.Printf("Resting order: %s\n", plan.PendingOrderTicket)
			}
			if plan.Ticket != "" {
				output.Printf("Position:   %s\n", plan.Ticket)
			}
			if plan.CancelReason != "" {
				output.Printf("Reason:     %s\n", plan.CancelReason)
			}
			output.Printf("Created:    %s\n", plan.CreatedAt.Format(time.RFC3339))
			if !plan.ExpiresAt.IsZero() {
				output.Printf("Expires:    %s\n", plan.ExpiresAt.Format(time.RFC3339))
			}
			if plan.ExecutedAt != nil {
				output.Printf("Executed:   %s\n", plan.ExecutedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newPlanCancelCmd(app *App) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel a trade plan",
		Long: `Cancel a trade plan. A running monitor cancels any resting broker
order for the plan on its next cycle before dropping it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireStore(app); err != nil {
				return err
			}

			if err := app.Store.Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			if err := app.Store.Flush(cmd.Context()); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"cancelled": args[0]})
			}
			output.Success("Plan %s cancelled", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled by user", "cancellation reason")
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show plan counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireStore(app); err != nil {
				return err
			}

			plans, err := app.Store.List(cmd.Context(), store.PlanFilter{})
			if err != nil {
				return err
			}

			counts := map[models.PlanStatus]int{}
			for _, plan := range plans {
				counts[plan.Status]++
			}

			if output.IsJSON() {
				return output.JSON(counts)
			}

			order := []models.PlanStatus{
				models.PlanPending,
				models.PlanPendingOrderPlaced,
				models.PlanExecuted,
				models.PlanCancelled,
				models.PlanExpired,
				models.PlanFailed,
			}
			for _, st := range order {
				if counts[st] == 0 {
					continue
				}
				output.Printf("%-22s %d\n", statusText(output, st), counts[st])
			}
			if len(plans) == 0 {
				output.Dim("No plans")
			}
			return nil
		},
	}
}

func statusText(output *Output, status models.PlanStatus) string {
	switch status {
	case models.PlanExecuted:
		return output.Green(string(status))
	case models.PlanFailed:
		return output.Red(string(status))
	case models.PlanPendingOrderPlaced:
		return output.Yellow(string(status))
	default:
		return string(status)
	}
}
