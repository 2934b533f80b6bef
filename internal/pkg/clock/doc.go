// Package clock provides a tiny time abstraction.
//
// OTP expiry and rate-limit windows are all computed relative to "now", so
// business logic depends on the Clocker interface instead of time.Now()
// directly. Tests swap in a fake clock to move time deterministically.
package clock
