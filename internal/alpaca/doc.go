// Package alpaca owns all observatory hardware access over the
// device HTTP protocol.
//
// Ownership boundary:
// - one Client per numbered device, GET properties / PUT actions
// - capability flags probed once at connect, never re-probed
// - bounded waits for every mechanical operation
//
// Callers receive explicit errors; an expected refusal (safety limit,
// device busy) is reported through return values, not panics.
package alpaca
