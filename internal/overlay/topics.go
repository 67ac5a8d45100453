package overlay

// Topic naming convention. Topics are open channels namespaced by purpose;
// any party may publish or subscribe.
const (
	// DiscoveryPrefix namespaces general discovery topics.
	DiscoveryPrefix = "discovery:"

	// GeneralDiscoveryTopic carries announcements of every resource kind.
	GeneralDiscoveryTopic = "discovery:general"

	// paymentOfferPrefix namespaces per-kind payment offer topics.
	paymentOfferPrefix = "payment:offers:"
)

// TypeTopic returns the resource-kind-specific discovery topic.
func TypeTopic(rt ResourceType) string {
	return DiscoveryPrefix + string(rt)
}

// PaymentOfferTopic returns the payment offer topic for a resource kind.
func PaymentOfferTopic(rt ResourceType) string {
	return paymentOfferPrefix + string(rt)
}
