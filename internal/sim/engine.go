package sim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	appconfig "marketsim/config"
	"marketsim/internal/channel"
	"marketsim/logger"
	"marketsim/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine simulates order execution against local order book snapshots. It
// never touches exchange funds: fills are produced by walking the opposing
// book side, maker orders rest in an active set until they cross or are
// cancelled, and every terminal order lands in a bounded history.
type Engine struct {
	config    *appconfig.Config
	rules     RulesProvider
	validator *Validator
	makerFee  decimal.Decimal
	takerFee  decimal.Decimal
	channels  *channel.Channels
	log       *logger.Entry

	mu          sync.Mutex
	active      map[int64]models.Order
	history     []models.Order
	nextOrderID int64
	nextTradeID int64
}

// NewEngine builds a matching engine. The channel bundle is optional; when
// set, every fill is forwarded as a flattened execution record for archival.
func NewEngine(cfg *appconfig.Config, rules RulesProvider, channels *channel.Channels) (*Engine, error) {
	makerFee, err := decimal.NewFromString(cfg.Sim.MakerFeeRate)
	if err != nil {
		return nil, fmt.Errorf("parse maker fee rate: %w", err)
	}
	takerFee, err := decimal.NewFromString(cfg.Sim.TakerFeeRate)
	if err != nil {
		return nil, fmt.Errorf("parse taker fee rate: %w", err)
	}
	slippage, err := decimal.NewFromString(cfg.Sim.MarketSlippageBuffer)
	if err != nil {
		return nil, fmt.Errorf("parse market slippage buffer: %w", err)
	}

	return &Engine{
		config:    cfg,
		rules:     rules,
		validator: NewValidator(slippage),
		makerFee:  makerFee,
		takerFee:  takerFee,
		channels:  channels,
		log:       logger.GetLogger().WithComponent("sim_engine"),
		active:    make(map[int64]models.Order),
	}, nil
}

// SubmitOrder validates and executes a new order against the given book
// snapshot. Expected failures (validation, no liquidity, unsynced book) come
// back inside the response, never as a Go error.
func (e *Engine) SubmitOrder(req models.OrderRequest, book models.BookSnapshot, balances models.Balances) models.OrderResponse {
	if book.LastUpdateID == 0 {
		logger.IncrementOrderRejected()
		return errorResponse(models.ErrCodeBookNotSynced, "order book replica is not synchronized", "")
	}

	rules, err := e.rules.GetSymbolRules(req.Symbol)
	if err != nil {
		logger.IncrementOrderRejected()
		return errorResponse(models.ErrCodeValidation, err.Error(), "UNKNOWN_SYMBOL")
	}

	order, parseErr := e.buildOrder(req)
	if parseErr != nil {
		logger.IncrementOrderRejected()
		return errorResponse(models.ErrCodeValidation, parseErr.Error(), "MALFORMED_REQUEST")
	}

	currentPrice := referencePrice(book)
	if result := e.validator.Validate(order, rules, balances, currentPrice); !result.Valid {
		logger.IncrementOrderRejected()
		e.log.WithFields(logger.Fields{
			"symbol": order.Symbol,
			"side":   order.Side,
			"type":   order.Type,
			"reason": result.Errors[0].Reason,
		}).Info("order rejected by validation")
		return validationResponse(result)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.nextOrderID++
	order.OrderID = e.nextOrderID
	order.Time = now
	order.UpdateTime = now

	logger.IncrementOrderSubmitted()

	switch order.Type {
	case models.OrderTypeMarket:
		order = e.executeTakerLocked(order, book, rules, nil, now)
	case models.OrderTypeLimit:
		order = e.executeLimitLocked(order, book, rules, now)
	default:
		// Stop orders hold in the active set until triggered.
	}

	e.trackLocked(order)

	if order.Status == models.OrderStatusRejected {
		logger.IncrementOrderRejected()
		return models.OrderResponse{
			Success: false,
			Order:   &order,
			Error: &models.OrderError{
				Code:    models.ErrCodeMarketClosed,
				Message: "no liquidity on the opposing book side",
				Reason:  order.RejectReason,
			},
		}
	}
	return models.OrderResponse{Success: true, Order: &order}
}

// CancelOrder cancels an active order. Terminal orders fail with
// CANNOT_CANCEL, unknown ids with ORDER_NOT_FOUND.
func (e *Engine) CancelOrder(orderID int64) models.OrderResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.active[orderID]
	if !ok {
		for _, past := range e.history {
			if past.OrderID == orderID {
				return errorResponse(models.ErrCodeCannotCancel,
					fmt.Sprintf("order %d is already %s", orderID, past.Status), string(past.Status))
			}
		}
		return errorResponse(models.ErrCodeOrderNotFound, fmt.Sprintf("order %d not found", orderID), "")
	}

	now := time.Now()
	order, _ = Transition(order, EventPendingCancel, now)
	order, _ = Transition(order, EventCancel, now)

	delete(e.active, orderID)
	e.trackLocked(order)

	e.log.WithFields(logger.Fields{"order_id": orderID, "symbol": order.Symbol}).Info("order canceled")
	return models.OrderResponse{Success: true, Order: &order}
}

// CheckStopOrders scans the active set for stop orders whose trigger price
// has been reached and converts each into an immediate market or limit
// execution. A triggered stop never re-triggers: its type is rewritten on
// conversion. The returned slice holds the post-execution order values.
func (e *Engine) CheckStopOrders(currentPrice decimal.Decimal, book models.BookSnapshot) []models.Order {
	if !currentPrice.IsPositive() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var triggered []models.Order
	for _, order := range e.active {
		if order.Type != models.OrderTypeStopLimit && order.Type != models.OrderTypeStopMarket {
			continue
		}
		if order.Side == models.SideBuy && currentPrice.GreaterThanOrEqual(order.StopPrice) {
			triggered = append(triggered, order)
		}
		if order.Side == models.SideSell && currentPrice.LessThanOrEqual(order.StopPrice) {
			triggered = append(triggered, order)
		}
	}

	results := make([]models.Order, 0, len(triggered))
	now := time.Now()
	for _, order := range triggered {
		delete(e.active, order.OrderID)
		logger.IncrementStopTriggered()
		e.log.WithFields(logger.Fields{
			"order_id":   order.OrderID,
			"symbol":     order.Symbol,
			"stop_price": order.StopPrice,
			"price":      currentPrice,
		}).Info("stop order triggered")

		rules, err := e.rules.GetSymbolRules(order.Symbol)
		if err != nil {
			order.RejectReason = "UNKNOWN_SYMBOL"
			order, _ = Transition(order, EventReject, now)
			e.trackLocked(order)
			results = append(results, order)
			continue
		}

		if order.Type == models.OrderTypeStopMarket {
			order.Type = models.OrderTypeMarket
			order = e.executeTakerLocked(order, book, rules, nil, now)
		} else {
			order.Type = models.OrderTypeLimit
			order = e.executeLimitLocked(order, book, rules, now)
		}
		e.trackLocked(order)
		results = append(results, order)
	}
	return results
}

// GetOrder looks up an order by id across the active set and the history.
func (e *Engine) GetOrder(orderID int64) (models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if order, ok := e.active[orderID]; ok {
		return order, true
	}
	for _, order := range e.history {
		if order.OrderID == orderID {
			return order, true
		}
	}
	return models.Order{}, false
}

// GetActiveOrders returns a copy of all non-terminal orders.
func (e *Engine) GetActiveOrders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := make([]models.Order, 0, len(e.active))
	for _, order := range e.active {
		orders = append(orders, order)
	}
	return orders
}

// GetOrderHistory returns a copy of the terminal orders, oldest first.
func (e *Engine) GetOrderHistory() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := make([]models.Order, len(e.history))
	copy(history, e.history)
	return history
}

// buildOrder parses the request into a NEW order value. A missing client id
// gets a generated one.
func (e *Engine) buildOrder(req models.OrderRequest) (models.Order, error) {
	order := models.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        strings.ToUpper(req.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderStatusNew,
		TimeInForce:   req.TimeInForce,
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	if order.TimeInForce == "" {
		order.TimeInForce = models.TimeInForceGTC
	}

	switch order.Side {
	case models.SideBuy, models.SideSell:
	default:
		return models.Order{}, fmt.Errorf("unknown order side %q", req.Side)
	}
	switch order.Type {
	case models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStopLimit, models.OrderTypeStopMarket:
	default:
		return models.Order{}, fmt.Errorf("unknown order type %q", req.Type)
	}

	var err error
	if order.OrigQty, err = decimal.NewFromString(req.Quantity); err != nil {
		return models.Order{}, fmt.Errorf("parse quantity: %w", err)
	}
	if req.Price != "" {
		if order.Price, err = decimal.NewFromString(req.Price); err != nil {
			return models.Order{}, fmt.Errorf("parse price: %w", err)
		}
	}
	if req.StopPrice != "" {
		if order.StopPrice, err = decimal.NewFromString(req.StopPrice); err != nil {
			return models.Order{}, fmt.Errorf("parse stop price: %w", err)
		}
	}
	return order, nil
}

// executeLimitLocked runs a limit order: a crossing order takes liquidity up
// to its limit price, anything left either rests (GTC) or is cancelled
// (IOC). FOK is handled inside the taker walk.
func (e *Engine) executeLimitLocked(order models.Order, book models.BookSnapshot, rules models.SymbolRules, now time.Time) models.Order {
	crossing := false
	if order.Side == models.SideBuy {
		if best, ok := book.BestAsk(); ok && order.Price.GreaterThanOrEqual(best.Price) {
			crossing = true
		}
	} else {
		if best, ok := book.BestBid(); ok && order.Price.LessThanOrEqual(best.Price) {
			crossing = true
		}
	}

	if crossing {
		limit := order.Price
		return e.executeTakerLocked(order, book, rules, &limit, now)
	}

	switch order.TimeInForce {
	case models.TimeInForceIOC:
		order, _ = Transition(order, EventCancel, now)
	case models.TimeInForceFOK:
		order, _ = Transition(order, EventExpire, now)
	}
	return order
}

// executeTakerLocked walks the opposing book side and fills the order as a
// taker. limit, when set, bounds how deep the walk may go. FOK orders are
// checked for full coverage up front and expire untouched when the book
// cannot satisfy them.
func (e *Engine) executeTakerLocked(order models.Order, book models.BookSnapshot, rules models.SymbolRules, limit *decimal.Decimal, now time.Time) models.Order {
	levels := book.Asks
	if order.Side == models.SideSell {
		levels = book.Bids
	}

	within := func(price decimal.Decimal) bool {
		if limit == nil {
			return true
		}
		if order.Side == models.SideBuy {
			return price.LessThanOrEqual(*limit)
		}
		return price.GreaterThanOrEqual(*limit)
	}

	if order.TimeInForce == models.TimeInForceFOK {
		available := decimal.Zero
		for _, level := range levels {
			if !within(level.Price) {
				break
			}
			available = available.Add(level.Quantity)
		}
		if available.LessThan(order.RemainingQty()) {
			order, _ = Transition(order, EventExpire, now)
			return order
		}
	}

	remaining := order.RemainingQty()
	for _, level := range levels {
		if !remaining.IsPositive() {
			break
		}
		if !within(level.Price) {
			break
		}

		fillQty := decimal.Min(remaining, level.Quantity)
		commission := level.Price.Mul(fillQty).Mul(e.takerFee)

		e.nextTradeID++
		fill := models.Fill{
			TradeID:         e.nextTradeID,
			Price:           level.Price,
			Quantity:        fillQty,
			Commission:      commission,
			CommissionAsset: rules.QuoteAsset,
			Time:            now,
		}

		var ok bool
		if order, ok = ApplyFill(order, fill, now); !ok {
			break
		}
		remaining = order.RemainingQty()

		logger.IncrementFillExecuted()
		e.emitExecution(order, fill, false)
	}

	if len(order.Fills) == 0 && order.Type == models.OrderTypeMarket {
		order.RejectReason = models.ErrCodeMarketClosed
		order, _ = Transition(order, EventReject, now)
		return order
	}

	if remaining.IsPositive() {
		// Market orders never rest; limit remainders rest only under GTC.
		if order.Type == models.OrderTypeMarket || order.TimeInForce == models.TimeInForceIOC {
			order, _ = Transition(order, EventCancel, now)
		}
	}
	return order
}

// trackLocked routes an order to the active set or the history depending on
// terminality, and trims the history to the configured retention.
func (e *Engine) trackLocked(order models.Order) {
	if !order.Status.IsTerminal() {
		e.active[order.OrderID] = order
		return
	}

	delete(e.active, order.OrderID)
	e.history = append(e.history, order)
	if max := e.config.Sim.MaxHistory; max > 0 && len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
}

// emitExecution forwards a fill to the archive channel without ever blocking
// the matching path.
func (e *Engine) emitExecution(order models.Order, fill models.Fill, isMaker bool) {
	if e.channels == nil {
		return
	}

	record := models.ExecutionRecord{
		OrderID:         order.OrderID,
		ClientOrderID:   order.ClientOrderID,
		Symbol:          order.Symbol,
		Side:            string(order.Side),
		OrderType:       string(order.Type),
		TradeID:         fill.TradeID,
		Price:           fill.Price.InexactFloat64(),
		Quantity:        fill.Quantity.InexactFloat64(),
		Commission:      fill.Commission.InexactFloat64(),
		CommissionAsset: fill.CommissionAsset,
		IsMaker:         isMaker,
		Time:            fill.Time,
	}

	if !e.channels.SendExec(record) {
		e.log.WithFields(logger.Fields{"order_id": order.OrderID}).Warn("execution channel full, dropping record")
	}
}

// referencePrice derives the current price from the book: the mid price when
// both sides exist, the surviving side otherwise, zero for an empty book.
func referencePrice(book models.BookSnapshot) decimal.Decimal {
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	case hasBid:
		return bid.Price
	case hasAsk:
		return ask.Price
	default:
		return decimal.Zero
	}
}

func errorResponse(code, message, reason string) models.OrderResponse {
	return models.OrderResponse{
		Success: false,
		Error:   &models.OrderError{Code: code, Message: message, Reason: reason},
	}
}

func validationResponse(result models.ValidationResult) models.OrderResponse {
	messages := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		messages = append(messages, e.Message)
	}
	return models.OrderResponse{
		Success: false,
		Error: &models.OrderError{
			Code:    models.ErrCodeValidation,
			Message: strings.Join(messages, "; "),
			Reason:  result.Errors[0].Reason,
		},
	}
}
