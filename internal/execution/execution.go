package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"orb-go/internal/risk"
)

// DryRunAdapter logs every order instead of sending it and answers dry_run.
type DryRunAdapter struct {
	log     zerolog.Logger
	account risk.Account
	now     func() time.Time
}

// NewDryRunAdapter reports account from GetAccount.
func NewDryRunAdapter(log zerolog.Logger, account risk.Account) *DryRunAdapter {
	return &DryRunAdapter{log: log, account: account, now: time.Now}
}

// PlaceEntryOrder logs the order request.
func (d *DryRunAdapter) PlaceEntryOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	d.log.Info().
		Str("sym", req.Symbol).
		Str("side", string(req.Side)).
		Int64("qty", req.Shares).
		Float64("entry", req.EntryPrice).
		Float64("stop", req.StopPrice).
		Str("signal", req.SignalID).
		Msg("submit order (dry run)")
	return OrderResult{Status: OrderDryRun, OrderID: DryRunPrefix + req.SignalID}, nil
}

// GetAccount returns the configured account.
func (d *DryRunAdapter) GetAccount(context.Context) (risk.Account, error) { return d.account, nil }

// ClosePosition logs the flatten request.
func (d *DryRunAdapter) ClosePosition(_ context.Context, symbol string) (Confirmation, error) {
	d.log.Info().Str("sym", symbol).Msg("close position (dry run)")
	return Confirmation{Symbol: symbol, At: d.now()}, nil
}

// CancelOrder logs the cancel request.
func (d *DryRunAdapter) CancelOrder(_ context.Context, orderID string) error {
	d.log.Info().Str("order", orderID).Msg("cancel order (dry run)")
	return nil
}

// FindOrder never finds anything; dry-run ids are recorded on the signal itself.
func (d *DryRunAdapter) FindOrder(context.Context, string) (string, bool, error) { return "", false, nil }
