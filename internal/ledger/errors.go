package ledger

import "fmt"

// ValidationError rejects a request before any store call. No side
// effects have occurred when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError means the order cost (margin plus fee)
// exceeds the available balance. Rejected before any store mutation.
type InsufficientBalanceError struct {
	Required  float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %.2f, have %.2f", e.Required, e.Available)
}

// MarketUnavailableError blocks order placement when no finite current
// price exists for the symbol. Auto-recovers on the next valid tick.
type MarketUnavailableError struct {
	Symbol string
}

func (e *MarketUnavailableError) Error() string {
	return fmt.Sprintf("no valid market price for %s", e.Symbol)
}

// StoreError wraps a failed durable-store call. The in-memory state is
// left unmodified until a refresh succeeds.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
