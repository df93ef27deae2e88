// Package auth holds the session-cookie signing and the admin password gate
// shared by the local web server and the tunnel registration.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SessionCookieName is the cookie carrying the signed session token.
const SessionCookieName = "mb_session"

// SessionTTL is how long a session cookie stays valid.
const SessionTTL = 24 * time.Hour

// Admin password gate. The salt and digest are fixed at build time; override
// via ldflags to rotate the support password.
var (
	// AdminSaltHex is a hex-encoded random salt.
	AdminSaltHex = "6d61746368626f782d61646d696e2d73616c74"

	// AdminHash is hex(sha256(salt || password)).
	AdminHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// SessionSecret derives the cookie signing key from the tunnel password,
// falling back to a fixed key when no password is configured.
func SessionSecret(tunnelPassword string) []byte {
	key := tunnelPassword
	if key == "" {
		key = "matchbox"
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte("session-key"))
	return mac.Sum(nil)
}

// MakeSessionCookie builds "{instance_id}:{expiry}:{sig}" valid for
// SessionTTL from now.
func MakeSessionCookie(secret []byte, instanceID string, now time.Time) string {
	expiry := now.Add(SessionTTL).Unix()
	payload := fmt.Sprintf("%s:%d", instanceID, expiry)
	return payload + ":" + sign(secret, payload)
}

// VerifySessionCookie checks the signature and expiry of a cookie value.
// An expired cookie is rejected regardless of signature validity.
func VerifySessionCookie(secret []byte, value string, now time.Time) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return false
	}
	instanceID, expiryStr, sig := parts[0], parts[1], parts[2]
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return false
	}
	if now.Unix() > expiry {
		return false
	}
	expected := sign(secret, instanceID+":"+expiryStr)
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// CheckPassword accepts the instance's tunnel password, or the built-in
// admin password when allowAdmin is set.
func CheckPassword(password, tunnelPassword string, allowAdmin bool) bool {
	if tunnelPassword != "" && password == tunnelPassword {
		return true
	}
	if allowAdmin {
		salt, err := hex.DecodeString(AdminSaltHex)
		if err != nil {
			return false
		}
		digest := sha256.Sum256(append(salt, []byte(password)...))
		return hex.EncodeToString(digest[:]) == AdminHash
	}
	return false
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
