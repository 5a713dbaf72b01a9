package magiclink

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/netip"
	"strings"
)

// generateSecret returns n random bytes, base64url encoded.
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// secretHasher hashes token secrets with HMAC-SHA256 so a leaked table cannot
// be replayed without the server key.
type secretHasher []byte

func (k secretHasher) sum(secret string) string {
	h := hmac.New(sha256.New, k)
	h.Write([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// isValidEmail performs basic email validation.
func isValidEmail(email string) bool {
	at := strings.Index(email, "@")
	if at < 1 || strings.Count(email, "@") != 1 {
		return false
	}
	dot := strings.LastIndex(email, ".")
	if dot < at+2 || dot >= len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}

// NormalizeIP parses an address and returns its canonical form. IPv4-mapped
// IPv6 addresses collapse to IPv4 so a ban cannot be dodged by notation.
func NormalizeIP(address string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", invalid("ip address %q: %v", address, err)
	}
	return addr.Unmap().WithZone("").String(), nil
}

// checkContext enforces the size bound and returns a deep copy decoded from
// the encoding it measured, so nothing the caller holds is shared with the
// stored token. Numbers come back as float64, as they do from every store.
func checkContext(ctx map[string]interface{}, max int) (map[string]interface{}, error) {
	if len(ctx) == 0 {
		return map[string]interface{}{}, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, invalid("context is not JSON encodable: %v", err)
	}
	if len(b) > max {
		return nil, invalid("context is %d bytes, limit is %d", len(b), max)
	}
	out := make(map[string]interface{}, len(ctx))
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, invalid("context is not a JSON object: %v", err)
	}
	return out, nil
}
