// Package retry provides exponential backoff retry for transient failures.
//
// The bridge uses it in two places: the controller read loop retries reads that
// return no bytes without an error a bounded number of times, and the engine
// plugin retries dialing the bridge while the bridge is still starting.
//
//	conn, err := retry.DoWithResult(ctx, retry.EngineDial(), func() (net.Conn, error) {
//	    return dialer.DialContext(ctx, "tcp", addr)
//	})
//
// Wrap an error with NonRetryable to stop retrying immediately.
package retry
