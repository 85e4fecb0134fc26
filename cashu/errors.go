package cashu

import "errors"

// Error taxonomy shared by every wallet component. Components wrap these with
// context using fmt.Errorf("...: %w", err) so callers can branch with errors.Is.
var (
	ErrInsufficientFunds   = errors.New("cashu: insufficient funds")
	ErrIssuerBusy          = errors.New("cashu: issuer busy")
	ErrIssuerUnreachable   = errors.New("cashu: issuer unreachable")
	ErrQuoteExpired        = errors.New("cashu: quote expired")
	ErrSettlementFailed    = errors.New("cashu: settlement failed")
	ErrSettlementAmbiguous = errors.New("cashu: settlement ambiguous")
	ErrPublishFailed       = errors.New("cashu: publish failed")
	ErrInvalidInput        = errors.New("cashu: invalid input")
)
