package auth

import "time"

// Token is a decrypted OAuth token pair handed to provider adapters.
// A zero Expiry means the provider reported no expiry.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
