package domain

import "time"

// TimeFunc returns the current time. Tests override it for deterministic
// timestamps and TTL arithmetic.
var TimeFunc = time.Now

// Now returns the current time via TimeFunc.
func Now() time.Time {
	return TimeFunc()
}
