package ports

import "context"

// SecretProvider asks the order maker for the secret gating a fill. For
// multi-fill orders partIndex selects the leaf and the provider returns the
// matching merkle proof; single-fill providers return a nil proof. The call
// blocks until the maker answers or ctx expires.
type SecretProvider interface {
	RequestSecret(ctx context.Context, orderId string, partIndex uint64) (secret []byte, proof [][]byte, err error)
}
