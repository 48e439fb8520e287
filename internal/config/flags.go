package config

import (
	"os"
	"strings"
)

// PaymentDebugBypass marks the deployment as one where test builds of the
// mobile client may skip the payment sheet. The flag is surfaced in the
// availability payload for the client to read; no server-side payment
// path consults it.
//
// Set via env:
// - PAYMENT_DEBUG_BYPASS=true
func PaymentDebugBypass() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PAYMENT_DEBUG_BYPASS")))
	return v == "1" || v == "true" || v == "yes"
}
