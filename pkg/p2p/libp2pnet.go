// Package p2p gossips committed exchange events between nodes over libp2p
// gossipsub.
package p2p

import (
	"context"
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

const (
	TopicEvents   = "escrowdex-events/1"
	publishBuffer = 1024
)

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

// Libp2pNet publishes exchange events on TopicEvents and delivers events
// from other peers. It implements exchange.Emitter.
type Libp2pNet struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	out chan exchange.Record
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	log := util.OrNop(cfg.Logger)

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Libp2pNet{h: h, ps: ps, log: log, out: make(chan exchange.Record, publishBuffer)}

	for _, bs := range cfg.Bootstrap {
		if err := n.Connect(ctx, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if n.topic, err = ps.Join(TopicEvents); err != nil {
		h.Close()
		return nil, err
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", TopicEvents)
	return n, nil
}

// Connect dials a full /p2p/ multiaddr.
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns dialable multiaddrs including this host's peer ID.
func (n *Libp2pNet) Addrs() []string {
	var out []string
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

// TopicPeers counts peers currently subscribed to the events topic.
func (n *Libp2pNet) TopicPeers() int { return len(n.topic.ListPeers()) }

// Emit queues rec for publication. It never blocks the exchange: when the
// queue is full the record is dropped.
func (n *Libp2pNet) Emit(rec exchange.Record) {
	select {
	case n.out <- rec:
	default:
		n.log.Warnw("gossip_queue_full", "seq", rec.Seq, "kind", rec.Event.Kind())
	}
}

// Run publishes queued events and hands events from other peers to onEvent
// until ctx is done. onEvent may be nil.
func (n *Libp2pNet) Run(ctx context.Context, onEvent func(EventWire)) error {
	go n.publishLoop(ctx)

	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		w, err := decodeEvent(msg.Data)
		if err != nil {
			n.log.Debugw("gossip_invalid_message", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if onEvent != nil {
			onEvent(w)
		}
	}
}

func (n *Libp2pNet) publishLoop(ctx context.Context) {
	origin := n.h.ID().String()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-n.out:
			data, err := encodeEvent(EventWire{Origin: origin, Record: rec})
			if err != nil {
				n.log.Warnw("gossip_encode_failed", "seq", rec.Seq, "err", err)
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := n.topic.Publish(pubCtx, data); err != nil {
				n.log.Warnw("gossip_publish_failed", "seq", rec.Seq, "err", err)
			}
			cancel()
		}
	}
}

func (n *Libp2pNet) Close() error {
	n.sub.Cancel()
	if err := n.topic.Close(); err != nil {
		n.log.Debugw("gossip_topic_close_failed", "err", err)
	}
	return n.h.Close()
}

var _ exchange.Emitter = (*Libp2pNet)(nil)
