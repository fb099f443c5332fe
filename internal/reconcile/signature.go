package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>". Several v1
// entries may be present while a secret is being rotated.
const SignatureHeader = "X-Webhook-Signature"

var (
	ErrMissingSignature   = errors.New("signature header missing")
	ErrMalformedSignature = errors.New("signature header malformed")
	ErrStaleSignature     = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("no signature matches")
	ErrNoSecrets          = errors.New("no secret configured for provider")
)

type parsedSignature struct {
	timestamp  int64
	signatures [][]byte
}

// VerifySignature authenticates body against header using any of secrets.
func VerifySignature(header string, body []byte, secrets []string, now time.Time, tolerance time.Duration) error {
	if len(secrets) == 0 {
		return ErrNoSecrets
	}
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := now.Sub(time.Unix(sig.timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return ErrStaleSignature
	}

	for _, secret := range secrets {
		expected := computeMAC(secret, sig.timestamp, body)
		for _, candidate := range sig.signatures {
			if hmac.Equal(expected, candidate) {
				return nil
			}
		}
	}
	return ErrSignatureMismatch
}

// SignPayload builds a signature header value for body, as a provider would.
func SignPayload(secret string, at time.Time, body []byte) string {
	ts := at.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(computeMAC(secret, ts, body))
}

func parseSignatureHeader(header string) (parsedSignature, error) {
	var out parsedSignature
	haveTimestamp := false

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return parsedSignature{}, ErrMalformedSignature
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return parsedSignature{}, ErrMalformedSignature
			}
			out.timestamp = ts
			haveTimestamp = true
		case "v1":
			raw, err := hex.DecodeString(value)
			if err != nil {
				return parsedSignature{}, ErrMalformedSignature
			}
			out.signatures = append(out.signatures, raw)
		}
	}

	if !haveTimestamp || len(out.signatures) == 0 {
		return parsedSignature{}, ErrMalformedSignature
	}
	return out, nil
}

func computeMAC(secret string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
