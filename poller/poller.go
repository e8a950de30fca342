// Package poller waits for readiness on a set of descriptors, each registered
// under an integer token.
//
// The set is replaced wholesale by Rebuild rather than patched: a fresh
// kernel object is created for every membership change, so a token can never
// outlive the registration it was issued for.
package poller

import "errors"

// MaxEvents bounds how many ready tokens a single Wait reports.
const MaxEvents = 1024

// ErrClosed is returned after Close.
var ErrClosed = errors.New("poller closed")
