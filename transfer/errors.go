package transfer

import (
	"errors"
	"fmt"

	"nutwallet/cashu"
)

// ErrTransferNotFound is returned by Resume for unknown transfer ids.
var ErrTransferNotFound = errors.New("transfer: transfer not found")

// StepError reports the saga step a transfer failed at.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("transfer failed at %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// AmbiguousError is returned when value left the source issuer but the target
// has not issued the matching proofs. The transfer stays pending until resumed.
type AmbiguousError struct {
	TransferID string
	Source     cashu.IssuerURL
	Target     cashu.IssuerURL
	// Amount is the value at risk: what the source consumed.
	Amount  uint64
	QuoteID string
	Err     error
}

func (e *AmbiguousError) Error() string {
	msg := fmt.Sprintf("settlement ambiguous: %d left %s but is not yet issued at %s (transfer %s)",
		e.Amount, e.Source, e.Target, e.TransferID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// Is matches cashu.ErrSettlementAmbiguous.
func (e *AmbiguousError) Is(target error) bool {
	return target == cashu.ErrSettlementAmbiguous
}
