package rediskey

import "fmt"

// Key prefixes shared across services.
const (
	LinkCodePrefix   = "link:code"
	PayoutLockPrefix = "payout:lock"
	SequencePrefix   = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLinkCodeKey returns "link:code:{shortCode}" for the resolve cache.
func BuildLinkCodeKey(shortCode string) string {
	return NamespaceKey(LinkCodePrefix, shortCode)
}

// BuildPayoutLockKey returns "payout:lock:{influencerID}:{currency}".
func BuildPayoutLockKey(influencerID, currency string) string {
	return NamespaceKey(PayoutLockPrefix, fmt.Sprintf("%s:%s", influencerID, currency))
}
