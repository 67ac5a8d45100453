package overlay

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

// GossipConfig configures the libp2p fan-out transport.
type GossipConfig struct {
	Listen    []string
	Bootstrap []string
	MaxConns  int
}

// GossipTransport fans published announcements out over GossipSub so
// monitors in other processes see them. It implements Transport.
type GossipTransport struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub

	mu      sync.Mutex
	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription
	handler func(topic string, data []byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGossipTransport creates and starts a gossip transport.
func NewGossipTransport(ctx context.Context, cfg GossipConfig) (*GossipTransport, error) {
	tctx, cancel := context.WithCancel(ctx)

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 400
	}
	cm, err := connmgr.NewConnManager(50, maxConns)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	t := &GossipTransport{
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		ctx:    tctx,
		cancel: cancel,
	}

	var dhtRouting *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var rerr error
			dhtRouting, rerr = dht.New(tctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/podmesh"),
			)
			return dhtRouting, rerr
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	t.host = h
	t.dht = dhtRouting

	t.pubsub, err = pubsub.NewGossipSub(tctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	t.connectBootstrap(cfg.Bootstrap)
	log.Infof("gossip transport up, peer id %s", h.ID())
	return t, nil
}

// connectBootstrap dials the configured bootstrap peers. Failures are
// non-fatal; the DHT keeps retrying discovery in the background.
func (t *GossipTransport) connectBootstrap(addrs []string) {
	for _, raw := range addrs {
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			log.Warnf("invalid bootstrap address %s: %v", raw, err)
			continue
		}
		if err := t.host.Connect(t.ctx, *info); err != nil {
			log.Warnf("bootstrap connect to %s failed: %v", info.ID, err)
		}
	}
	if t.dht != nil {
		if err := t.dht.Bootstrap(t.ctx); err != nil {
			log.Warnf("dht bootstrap: %v", err)
		}
	}
}

// SetHandler installs the delivery callback for incoming messages.
func (t *GossipTransport) SetHandler(handler func(topic string, data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// JoinTopic joins and subscribes to a gossip topic. Idempotent.
func (t *GossipTransport) JoinTopic(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.topics[topic]; ok {
		return nil
	}

	pt, err := t.pubsub.Join(topic)
	if err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	sub, err := pt.Subscribe()
	if err != nil {
		pt.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	t.topics[topic] = pt
	t.subs[topic] = sub

	t.wg.Add(1)
	go t.readLoop(topic, sub)
	return nil
}

// Publish sends data to a joined topic.
func (t *GossipTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	pt, ok := t.topics[topic]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return pt.Publish(ctx, data)
}

func (t *GossipTransport) readLoop(topic string, sub *pubsub.Subscription) {
	defer t.wg.Done()
	for {
		msg, err := sub.Next(t.ctx)
		if err != nil {
			return
		}
		// Skip our own publications; the client already dispatched them.
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(topic, msg.Data)
		}
	}
}

// Close cancels subscriptions and shuts the host down.
func (t *GossipTransport) Close() error {
	t.cancel()

	t.mu.Lock()
	for _, sub := range t.subs {
		sub.Cancel()
	}
	for _, pt := range t.topics {
		pt.Close()
	}
	t.subs = make(map[string]*pubsub.Subscription)
	t.topics = make(map[string]*pubsub.Topic)
	t.mu.Unlock()

	t.wg.Wait()
	return t.host.Close()
}
