// Package errors provides the error taxonomy of the gantry bridge.
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, drop the single item and continue) and Fatal (stop processing).
//
// The domain sentinels map onto the failure kinds of the bridge:
//
//   - ErrAddressing, ErrNotFound, ErrDuplicate: registry registration and lookup
//   - ErrFraming: malformed or unexpected controller stanzas
//   - ErrTransport: broken controller or engine connections
//   - ErrSyncViolation: lock-step contract violations, logged and skipped
//   - ErrMutation: rejected sub-device state changes
//
// Wrap errors with context so logs identify the failing component:
//
//	if err := registry.Register(...); err != nil {
//	    return errors.WrapInvalid(err, "Catalog", "Load", "sub-device registration")
//	}
//
// Check classification with errors.Is for sentinels or with IsTransient,
// IsInvalid and IsFatal for classes.
package errors
