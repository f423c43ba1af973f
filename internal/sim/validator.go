package sim

import (
	"fmt"

	"marketsim/models"

	"github.com/shopspring/decimal"
)

// Validator runs the pre-trade rule checks. Checks are grouped into
// categories (quantity, price, notional, balance, stop) evaluated in order;
// the first failing category short-circuits and returns all of its errors,
// so the caller sees every violation of one kind at once.
type Validator struct {
	slippage decimal.Decimal
}

// NewValidator creates a validator with the given market-order slippage
// buffer (e.g. 0.01 reserves 1% headroom above the current price).
func NewValidator(slippage decimal.Decimal) *Validator {
	return &Validator{slippage: slippage}
}

// Validate checks an order against the symbol rules, the caller's balances
// and the current market price.
func (v *Validator) Validate(order models.Order, rules models.SymbolRules, balances models.Balances, currentPrice decimal.Decimal) models.ValidationResult {
	for _, category := range []func(models.Order, models.SymbolRules, models.Balances, decimal.Decimal) []models.ValidationError{
		v.checkQuantity,
		v.checkPrice,
		v.checkNotional,
		v.checkBalance,
		v.checkStop,
	} {
		if errs := category(order, rules, balances, currentPrice); len(errs) > 0 {
			return models.ValidationResult{Valid: false, Errors: errs}
		}
	}
	return models.ValidationResult{Valid: true}
}

func (v *Validator) checkQuantity(order models.Order, rules models.SymbolRules, _ models.Balances, _ decimal.Decimal) []models.ValidationError {
	var errs []models.ValidationError

	if order.OrigQty.LessThan(rules.MinQty) {
		errs = append(errs, models.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("quantity %s is below the minimum %s", order.OrigQty, rules.MinQty),
			Reason:  "MIN_QTY",
		})
	}
	if rules.MaxQty.IsPositive() && order.OrigQty.GreaterThan(rules.MaxQty) {
		errs = append(errs, models.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("quantity %s exceeds the maximum %s", order.OrigQty, rules.MaxQty),
			Reason:  "MAX_QTY",
		})
	}
	if rules.StepSize.IsPositive() && !order.OrigQty.Sub(rules.MinQty).Mod(rules.StepSize).IsZero() {
		errs = append(errs, models.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("quantity %s does not align with step size %s", order.OrigQty, rules.StepSize),
			Reason:  "STEP_SIZE",
		})
	}
	return errs
}

func (v *Validator) checkPrice(order models.Order, rules models.SymbolRules, _ models.Balances, _ decimal.Decimal) []models.ValidationError {
	if order.Type != models.OrderTypeLimit && order.Type != models.OrderTypeStopLimit {
		return nil
	}

	var errs []models.ValidationError
	if !order.Price.IsPositive() {
		errs = append(errs, models.ValidationError{
			Field:   "price",
			Message: "limit price must be positive",
			Reason:  "PRICE_REQUIRED",
		})
		return errs
	}
	if rules.TickSize.IsPositive() && !order.Price.Mod(rules.TickSize).IsZero() {
		errs = append(errs, models.ValidationError{
			Field:   "price",
			Message: fmt.Sprintf("price %s does not align with tick size %s", order.Price, rules.TickSize),
			Reason:  "TICK_SIZE",
		})
	}
	return errs
}

func (v *Validator) checkNotional(order models.Order, rules models.SymbolRules, _ models.Balances, _ decimal.Decimal) []models.ValidationError {
	if !rules.MinNotional.IsPositive() {
		return nil
	}

	// Market execution prices are unknown until the order walks the book, so
	// only orders carrying a limit price are held to the minimum notional.
	if order.Type == models.OrderTypeMarket || order.Type == models.OrderTypeStopMarket {
		return nil
	}
	if !order.Price.IsPositive() {
		return nil
	}

	notional := order.Price.Mul(order.OrigQty)
	if notional.LessThan(rules.MinNotional) {
		return []models.ValidationError{{
			Field:   "quantity",
			Message: fmt.Sprintf("notional %s is below the minimum %s", notional, rules.MinNotional),
			Reason:  "MIN_NOTIONAL",
		}}
	}
	return nil
}

func (v *Validator) checkBalance(order models.Order, rules models.SymbolRules, balances models.Balances, currentPrice decimal.Decimal) []models.ValidationError {
	if order.Side == models.SideSell {
		if balances.Base.LessThan(order.OrigQty) {
			return []models.ValidationError{{
				Field:   "quantity",
				Message: fmt.Sprintf("insufficient %s balance: have %s, need %s", rules.BaseAsset, balances.Base, order.OrigQty),
				Reason:  "INSUFFICIENT_BALANCE",
			}}
		}
		return nil
	}

	var required decimal.Decimal
	switch order.Type {
	case models.OrderTypeLimit, models.OrderTypeStopLimit:
		required = order.Price.Mul(order.OrigQty)
	default:
		if !currentPrice.IsPositive() {
			return []models.ValidationError{{
				Field:   "quantity",
				Message: "current price unavailable to size a market buy",
				Reason:  "PRICE_UNAVAILABLE",
			}}
		}
		// Market buys reserve a slippage buffer above the observed price.
		required = currentPrice.Mul(order.OrigQty).Mul(decimal.NewFromInt(1).Add(v.slippage))
	}

	if balances.Quote.LessThan(required) {
		return []models.ValidationError{{
			Field:   "quantity",
			Message: fmt.Sprintf("insufficient %s balance: have %s, need %s", rules.QuoteAsset, balances.Quote, required),
			Reason:  "INSUFFICIENT_BALANCE",
		}}
	}
	return nil
}

func (v *Validator) checkStop(order models.Order, _ models.SymbolRules, _ models.Balances, currentPrice decimal.Decimal) []models.ValidationError {
	if order.Type != models.OrderTypeStopLimit && order.Type != models.OrderTypeStopMarket {
		return nil
	}

	var errs []models.ValidationError
	if !order.StopPrice.IsPositive() {
		errs = append(errs, models.ValidationError{
			Field:   "stopPrice",
			Message: "stop price must be positive",
			Reason:  "STOP_PRICE_REQUIRED",
		})
		return errs
	}
	if !currentPrice.IsPositive() {
		errs = append(errs, models.ValidationError{
			Field:   "stopPrice",
			Message: "current price unavailable to place a stop order",
			Reason:  "PRICE_UNAVAILABLE",
		})
		return errs
	}

	// A stop that would trigger immediately is a plain order typed wrong.
	if order.Side == models.SideBuy && order.StopPrice.LessThanOrEqual(currentPrice) {
		errs = append(errs, models.ValidationError{
			Field:   "stopPrice",
			Message: fmt.Sprintf("buy stop price %s must be above the current price %s", order.StopPrice, currentPrice),
			Reason:  "STOP_WOULD_TRIGGER",
		})
	}
	if order.Side == models.SideSell && order.StopPrice.GreaterThanOrEqual(currentPrice) {
		errs = append(errs, models.ValidationError{
			Field:   "stopPrice",
			Message: fmt.Sprintf("sell stop price %s must be below the current price %s", order.StopPrice, currentPrice),
			Reason:  "STOP_WOULD_TRIGGER",
		})
	}
	return errs
}
