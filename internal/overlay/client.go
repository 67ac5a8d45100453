package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("pm-overlay")

// Node is the discovery-node contract the client publishes against.
// Publish returns the stored announcement with the node's server timestamp
// applied. A (nil, nil) stats return is not allowed; absent topics yield
// zero-valued stats.
type Node interface {
	Publish(ctx context.Context, topic string, resource Resource) (*Resource, error)
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)
	Stats(ctx context.Context, topic string) (*TopicStats, error)
}

// Transport is an optional push fan-out for cross-process monitors.
type Transport interface {
	JoinTopic(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	SetHandler(handler func(topic string, data []byte))
	Close() error
}

// MonitorFunc receives newly published resources on a monitored topic.
type MonitorFunc func(resource Resource)

type monitorReg struct {
	id int
	fn MonitorFunc
}

// Client is the overlay client. Each instance owns its own subscription set;
// there is no process-wide singleton. Construct one per owning context and
// inject it.
type Client struct {
	node      Node
	transport Transport

	mu       sync.Mutex
	subs     map[string]struct{}
	monitors map[string][]monitorReg
	nextID   int
}

// NewClient creates an overlay client over node, with an optional transport
// for cross-process monitor delivery (nil disables push fan-out; monitors
// then see only this process's publications).
func NewClient(node Node, transport Transport) *Client {
	c := &Client{
		node:      node,
		transport: transport,
		subs:      make(map[string]struct{}),
		monitors:  make(map[string][]monitorReg),
	}
	if transport != nil {
		transport.SetHandler(c.handleIncoming)
	}
	return c
}

// SubscribeTopic adds topic to the active subscription set. Subscribing to
// an already-subscribed topic is a no-op; concurrent calls are safe.
func (c *Client) SubscribeTopic(ctx context.Context, topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrUnknownTopic)
	}

	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subs[topic] = struct{}{}
	c.mu.Unlock()

	if c.transport != nil {
		if err := c.transport.JoinTopic(topic); err != nil {
			c.mu.Lock()
			delete(c.subs, topic)
			c.mu.Unlock()
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
	}
	log.Debugf("subscribed to topic %s", topic)
	return nil
}

// Subscriptions returns the currently subscribed topics.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// PublishResource publishes an announcement into topic, auto-subscribing if
// needed. The node applies the server timestamp; the stamped announcement is
// returned. Publication is additive: republishing a resourceId appends a new
// entry rather than replacing the old one.
func (c *Client) PublishResource(ctx context.Context, topic string, resource Resource) (*Resource, error) {
	if err := resource.Validate(); err != nil {
		return nil, err
	}
	if err := c.SubscribeTopic(ctx, topic); err != nil {
		return nil, err
	}

	stamped, err := c.node.Publish(ctx, topic, resource)
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", topic, err)
	}

	if c.transport != nil {
		data, err := json.Marshal(stamped)
		if err == nil {
			if perr := c.transport.Publish(ctx, topic, data); perr != nil {
				// The index accepted the announcement; fan-out failure only
				// delays remote monitors, which are eventually consistent.
				log.Warnf("gossip publish to %s failed: %v", topic, perr)
			}
		}
	}

	c.dispatch(topic, *stamped)
	log.Infof("published resource %s to topic %s", stamped.ResourceID, topic)
	return stamped, nil
}

// SearchResources queries the discovery node.
func (c *Client) SearchResources(ctx context.Context, params SearchParams) (*SearchResult, error) {
	return c.node.Search(ctx, params)
}

// GetTopicStats aggregates topic statistics over the current query window.
func (c *Client) GetTopicStats(ctx context.Context, topic string) (*TopicStats, error) {
	return c.node.Stats(ctx, topic)
}

// MonitorTopic registers a push listener for new publications on topic and
// returns an unsubscribe function. Updates are eventually consistent and
// unordered across nodes.
func (c *Client) MonitorTopic(ctx context.Context, topic string, fn MonitorFunc) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("nil monitor callback")
	}
	if err := c.SubscribeTopic(ctx, topic); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.monitors[topic] = append(c.monitors[topic], monitorReg{id: id, fn: fn})
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		regs := c.monitors[topic]
		for i, reg := range regs {
			if reg.id == id {
				c.monitors[topic] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}
	return cancel, nil
}

// handleIncoming feeds transport deliveries into local monitors.
func (c *Client) handleIncoming(topic string, data []byte) {
	var resource Resource
	if err := json.Unmarshal(data, &resource); err != nil {
		log.Debugf("dropping undecodable message on %s: %v", topic, err)
		return
	}
	if err := resource.Validate(); err != nil {
		log.Debugf("dropping invalid resource on %s: %v", topic, err)
		return
	}
	c.dispatch(topic, resource)
}

func (c *Client) dispatch(topic string, resource Resource) {
	c.mu.Lock()
	regs := make([]monitorReg, len(c.monitors[topic]))
	copy(regs, c.monitors[topic])
	c.mu.Unlock()

	for _, reg := range regs {
		go reg.fn(resource)
	}
}

// Close shuts down the transport, if any.
func (c *Client) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}
