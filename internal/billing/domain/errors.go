package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInvoice        = errors.New("invalid_invoice")
	ErrInvoiceNotFound       = errors.New("invoice_not_found")
	ErrInvalidLineItems      = errors.New("invalid_line_items")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrCurrencyMismatch      = errors.New("currency_mismatch")
	ErrUnknownUser           = errors.New("unknown_user")
	ErrUnknownBook           = errors.New("unknown_book")
	ErrBookNotPriced         = errors.New("book_not_priced")
	ErrInvalidPlan           = errors.New("invalid_plan")
	ErrPlanNotFound          = errors.New("plan_not_found")
	ErrPlanInactive          = errors.New("plan_inactive")
	ErrInvalidCycle          = errors.New("invalid_cycle")
	ErrUnknownDiscount       = errors.New("unknown_discount_code")
	ErrDiscountNotApplicable = errors.New("discount_not_applicable")
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrInvalidState          = errors.New("invalid_state")
)

// InvalidStateError rejects a transition the current status does not allow.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
