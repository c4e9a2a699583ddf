// Package auth verifies event intake signatures and admin bearer tokens.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Threadlink-Signature"
	TimestampHeader = "X-Threadlink-Timestamp"

	signatureVersion = "v0"
	// MaxClockSkew bounds how old a signed request may be.
	MaxClockSkew = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
)

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret []byte, timestamp string, body []byte) string {
	return signatureVersion + "=" + sign(secret, timestamp, body)
}

// VerifySignature checks a "v0=<hex>" signature over "v0:timestamp:body" and
// rejects timestamps further than MaxClockSkew from now.
func VerifySignature(secret []byte, timestamp, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > MaxClockSkew || skew < -MaxClockSkew {
		return ErrStaleTimestamp
	}

	version, provided, ok := strings.Cut(signature, "=")
	if !ok || version != signatureVersion {
		return ErrInvalidSignature
	}
	expected := sign(secret, timestamp, body)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
