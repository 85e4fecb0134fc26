// Package issuer coordinates access to mints: the per-issuer exclusive lock,
// a cached protocol handle with discovered keysets and keyset rotation.
package issuer

import (
	"context"

	"nutwallet/cashu"
)

// Client is the issuer protocol capability. Implementations map transport
// failures onto cashu.ErrIssuerUnreachable and expired quotes onto
// cashu.ErrQuoteExpired.
type Client interface {
	Info(ctx context.Context, issuer cashu.IssuerURL) (cashu.Info, error)
	Keysets(ctx context.Context, issuer cashu.IssuerURL) ([]cashu.Keyset, error)
	Keys(ctx context.Context, issuer cashu.IssuerURL, keysetID string) (cashu.Keyset, error)

	CreateMintQuote(ctx context.Context, issuer cashu.IssuerURL, amount uint64, unit string) (cashu.MintQuote, error)
	MintQuoteState(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (cashu.MintQuote, error)
	Mint(ctx context.Context, issuer cashu.IssuerURL, quoteID string, amount uint64, keyset cashu.Keyset) (cashu.Proofs, error)

	CreateMeltQuote(ctx context.Context, issuer cashu.IssuerURL, req cashu.MeltQuoteRequest) (cashu.MeltQuote, error)
	MeltQuoteState(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (cashu.MeltQuote, error)
	// Melt pays the quote with inputs. Change for an unused fee reserve is
	// returned under keyset.
	Melt(ctx context.Context, issuer cashu.IssuerURL, quote cashu.MeltQuote, inputs cashu.Proofs, keyset cashu.Keyset) (cashu.MeltResult, error)

	Swap(ctx context.Context, issuer cashu.IssuerURL, inputs cashu.Proofs, amounts []uint64, keyset cashu.Keyset) (cashu.Proofs, error)
	CheckState(ctx context.Context, issuer cashu.IssuerURL, proofs cashu.Proofs) ([]cashu.ProofState, error)

	// Subscriptions deliver quote updates until ctx is cancelled or the stream
	// fails, then close the channel.
	SubscribeMintQuote(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (<-chan cashu.MintQuote, error)
	SubscribeMeltQuote(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (<-chan cashu.MeltQuote, error)
}
