package domain

import (
	"log/slog"
	"strconv"
)

// Credentials is a decrypted API key pair. It is owned by the calling
// operation and must not be stored or logged.
type Credentials struct {
	ID        uint64
	UserID    uint64
	Exchange  string
	APIKey    string
	APISecret string
}

// String never prints the secret.
func (c Credentials) String() string {
	return "Credentials{id=" + strconv.FormatUint(c.ID, 10) + ", key=" + mask(c.APIKey) + "}"
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", c.ID),
		slog.Uint64("user_id", c.UserID),
		slog.String("key", mask(c.APIKey)),
	)
}

// Usable reports whether both halves of the key pair are present.
func (c Credentials) Usable() bool {
	return c.APIKey != "" && c.APISecret != ""
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
