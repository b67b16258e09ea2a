package core

// Every settlement, cancellation, or receipt failure is terminal for the
// call that raised it and maps onto one of six kinds, so clients can branch
// on cause with errors.As.

// AuthorizationError: wallet not approved, bad signature, null signer.
type AuthorizationError struct{ Reason string }

func (e *AuthorizationError) Error() string { return "authorization: " + e.Reason }

// StaleOrderError: nonce consumed/cancelled/below watermark, or the order's
// time window does not contain now.
type StaleOrderError struct{ Reason string }

func (e *StaleOrderError) Error() string { return "stale order: " + e.Reason }

// PolicyError: currency or strategy not allowlisted.
type PolicyError struct{ Reason string }

func (e *PolicyError) Error() string { return "policy: " + e.Reason }

// MatchError: strategy rejected the pair, sides not opposite, or the caller
// is not the declared taker.
type MatchError struct{ Reason string }

func (e *MatchError) Error() string { return "match: " + e.Reason }

// TransferError: no backend for the collection, or a fund/asset transfer
// was rejected by its backend.
type TransferError struct{ Reason string }

func (e *TransferError) Error() string { return "transfer: " + e.Reason }

// StateError: cancellation bounds violated, empty cancellation batch,
// redeem before expiry or by a non-owner, unknown receipt.
type StateError struct{ Reason string }

func (e *StateError) Error() string { return "state: " + e.Reason }
