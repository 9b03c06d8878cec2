package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"cryptobot/internal/domain"
)

// DefaultRecvWindow is the tolerance (ms) the exchange applies to TIMESTAMP.
const DefaultRecvWindow = 5000

// Header names of the V5 signed request scheme.
const (
	HeaderAPIKey     = "X-BAPI-API-KEY"
	HeaderTimestamp  = "X-BAPI-TIMESTAMP"
	HeaderRecvWindow = "X-BAPI-RECV-WINDOW"
	HeaderSign       = "X-BAPI-SIGN"
)

// Signer handles V5 API authentication signatures. It holds no credentials;
// they are passed per call and dropped once the headers are built.
type Signer struct {
	recvWindow string
	now        func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(recvWindowMs int) *Signer {
	if recvWindowMs <= 0 {
		recvWindowMs = DefaultRecvWindow
	}
	return &Signer{
		recvWindow: strconv.Itoa(recvWindowMs),
		now:        time.Now,
	}
}

// GenerateHeaders creates the authentication headers for a request.
// payload is the canonical query string for GET and the JSON body otherwise.
func (s *Signer) GenerateHeaders(creds domain.Credentials, payload string) map[string]string {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	return map[string]string{
		HeaderAPIKey:     creds.APIKey,
		HeaderTimestamp:  timestamp,
		HeaderRecvWindow: s.recvWindow,
		HeaderSign:       Sign(creds.APISecret, timestamp, creds.APIKey, s.recvWindow, payload),
	}
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload)).
func Sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte(apiKey))
	h.Write([]byte(recvWindow))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
