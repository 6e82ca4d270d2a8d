// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the gateway should fail closed on
// identity/security boundaries: require https upstream base URLs, reject
// unsigned JWKS sources, and refuse pass-through token exchange.
//
// TLSGW_STRICT_IDENTITY lets operators opt into strict mode outside of
// production too (e.g. a staging environment fronted by a real CA).
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		forced := strings.TrimSpace(os.Getenv("TLSGW_STRICT_IDENTITY"))
		strictIdentityModeValue = env == Production || ParseBoolValue(forced)
	})
	return strictIdentityModeValue
}
