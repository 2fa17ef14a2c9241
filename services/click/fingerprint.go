package click

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"regexp"
	"strings"
)

// uaVersionPattern matches the volatile "Name/1.2.3" version suffixes that
// churn on every browser update.
var uaVersionPattern = regexp.MustCompile(`/[0-9][0-9A-Za-z.\-]*`)

// Fingerprint hashes the normalized visitor signals. The same visitor on the
// same network yields a stable value across browser patch releases.
func Fingerprint(v VisitorContext) string {
	joined := strings.ToLower(strings.Join([]string{
		normalizeIP(v.IP),
		normalizeUserAgent(v.UserAgent),
		primaryLanguageTag(v.AcceptLanguage),
	}, "|"))

	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// normalizeIP collapses IPv6 addresses to their /64 prefix; hosts rotate
// inside the prefix far faster than the prefix itself changes.
func normalizeIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	if addr.Is4() || addr.Is4In6() {
		return addr.Unmap().String()
	}

	prefix, err := addr.Prefix(64)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

func normalizeUserAgent(ua string) string {
	return strings.TrimSpace(uaVersionPattern.ReplaceAllString(ua, ""))
}

// primaryLanguageTag reduces "fr-FR,fr;q=0.9,en;q=0.8" to "fr".
func primaryLanguageTag(acceptLanguage string) string {
	first := acceptLanguage
	if i := strings.IndexByte(first, ','); i >= 0 {
		first = first[:i]
	}
	if i := strings.IndexByte(first, ';'); i >= 0 {
		first = first[:i]
	}
	if i := strings.IndexByte(first, '-'); i >= 0 {
		first = first[:i]
	}
	return strings.TrimSpace(first)
}
