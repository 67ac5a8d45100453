// Package overlay implements the client side of the podmesh discovery
// overlay: topic-based publication, search, and monitoring of resource
// announcements across a federation of discovery nodes.
//
// # Overview
//
// The overlay is a set of open topics. Anyone may publish a resource
// announcement into a topic and anyone may subscribe or search; there is no
// central index and no topic owner. Announcements carry a content hash and
// an optional price, never the content itself.
//
// Three pieces cooperate:
//
//  1. Client owns a process-local subscription set and monitor callbacks.
//     Subscribing is idempotent; monitoring registers a push listener and
//     returns an unsubscribe function.
//
//  2. Node is the discovery-node contract (publish, search, stats).
//     IndexClient speaks it over HTTP to a federation node; MemoryNode is an
//     in-process implementation for tests and single-node deployments.
//
//  3. GossipTransport is an optional libp2p GossipSub fan-out so monitors see
//     publications from other processes. Delivery ordering across nodes is
//     not guaranteed; callers must treat updates as eventually consistent.
//
// # Usage
//
//	client := overlay.NewClient(node, transport)
//	client.SubscribeTopic(ctx, overlay.GeneralDiscoveryTopic)
//
//	stop, _ := client.MonitorTopic(ctx, topic, func(r overlay.Resource) {
//		log.Infof("new resource %s", r.ResourceID)
//	})
//	defer stop()
//
// Republishing the same resourceId to a topic appends a second entry rather
// than replacing the first; deduplication is an unresolved product decision.
package overlay
