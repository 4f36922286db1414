package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the engine reacts to them.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindMarketData    ErrorKind = "market_data"
	KindOrder         ErrorKind = "order"
	KindRiskHalt      ErrorKind = "risk_halt"
	KindPersistence   ErrorKind = "persistence"
)

// Error carries a kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func ConfigurationError(op string, err error) error { return NewError(KindConfiguration, op, err) }
func MarketDataError(op string, err error) error    { return NewError(KindMarketData, op, err) }
func OrderError(op string, err error) error         { return NewError(KindOrder, op, err) }
func RiskHalt(op string, err error) error           { return NewError(KindRiskHalt, op, err) }
func PersistenceError(op string, err error) error   { return NewError(KindPersistence, op, err) }

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
