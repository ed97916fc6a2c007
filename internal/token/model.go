package token

import "time"

// Credentials is a short-lived session credential for the realtime channel.
// Instances are immutable; renewal produces a new value.
type Credentials struct {
	SessionToken string
	ExpiresAt    time.Time
}

// ValidFor reports whether the credential is still usable once buffer is
// subtracted from its expiry. An expired-minus-buffer credential must never
// be reused for a connection attempt.
func (c Credentials) ValidFor(buffer time.Duration) bool {
	if c.SessionToken == "" {
		return false
	}
	return time.Now().Before(c.ExpiresAt.Add(-buffer))
}

// Info describes the cached credential for diagnostics.
type Info struct {
	HasToken  bool
	Valid     bool
	ExpiresAt time.Time
	TTL       time.Duration
}
