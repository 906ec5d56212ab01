package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/rs/zerolog/log"

	"github.com/modelmesh/distributor/internal/transfer"
)

// ProtocolTransferBlock is the stream protocol carrying block chunks.
const ProtocolTransferBlock = "/modelmesh/1.0.0/transfer-block"

// Node wraps a libp2p host with DHT-based peer discovery.
type Node struct {
	host     host.Host
	dht      *dht.IpfsDHT
	config   NodeConfig
	identity crypto.PrivKey
}

// NodeConfig holds P2P node configuration.
type NodeConfig struct {
	ListenAddresses []string
	BootstrapPeers  []string
}

// NewNode creates a libp2p node. Addresses default to all interfaces on
// ephemeral TCP and QUIC ports. identity fixes the peer ID across
// restarts; nil mints an ephemeral key on Start.
func NewNode(listenAddresses, bootstrapPeers []string, identity crypto.PrivKey) (*Node, error) {
	if len(listenAddresses) == 0 {
		listenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		}
	}
	return &Node{
		config: NodeConfig{
			ListenAddresses: listenAddresses,
			BootstrapPeers:  bootstrapPeers,
		},
		identity: identity,
	}, nil
}

// Start creates the host and bootstraps the DHT.
func (n *Node) Start() error {
	opts := []libp2p.Option{libp2p.ListenAddrStrings(n.config.ListenAddresses...)}
	if n.identity != nil {
		opts = append(opts, libp2p.Identity(n.identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	ctx := context.Background()
	kadDHT, err := dht.New(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.dht = kadDHT

	if err := kadDHT.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addr := range n.config.BootstrapPeers {
		addrInfo, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warn().Str("addr", addr).Msg("skipping invalid bootstrap peer")
			continue
		}
		if err := h.Connect(ctx, *addrInfo); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("bootstrap connect failed")
		}
	}
	return nil
}

// Close shuts the DHT and host down.
func (n *Node) Close() error {
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// IDString returns the peer ID as a string.
func (n *Node) IDString() string {
	if n.host == nil {
		return ""
	}
	return n.host.ID().String()
}

// Addrs returns the multiaddrs the node listens on.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, addr.String())
	}
	return addrs
}

// Connect connects to a peer by multiaddr.
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address: %w", err)
	}
	if err := n.host.Connect(ctx, *addrInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	return nil
}

// SetChunkHandler installs the stream handler receiving block chunks.
// Must be called after Start.
func (n *Node) SetChunkHandler(handler transfer.ChunkHandler) {
	n.host.SetStreamHandler(protocol.ID(ProtocolTransferBlock), func(stream network.Stream) {
		defer stream.Close()
		decoder := json.NewDecoder(stream)
		encoder := json.NewEncoder(stream)
		for {
			var msg transfer.ChunkMessage
			if err := decoder.Decode(&msg); err != nil {
				return
			}
			ack := handler(&msg)
			if ack == nil {
				ack = &transfer.Ack{Status: transfer.AckSuccess}
			}
			if err := encoder.Encode(ack); err != nil {
				return
			}
		}
	})
}

// PeerResolver maps a logical node ID to a libp2p peer ID string. The
// admin resolves through its registered-node store.
type PeerResolver func(nodeID string) (string, error)

// StreamTransport implements transfer.Transport over libp2p streams, one
// stream per block chunk round-trip.
type StreamTransport struct {
	node    *Node
	resolve PeerResolver
}

// NewStreamTransport creates a stream transport on the given node.
func NewStreamTransport(node *Node, resolve PeerResolver) *StreamTransport {
	return &StreamTransport{node: node, resolve: resolve}
}

// SendChunk opens a stream to the destination peer, writes the chunk as
// JSON and reads the acknowledgment.
func (t *StreamTransport) SendChunk(ctx context.Context, destNodeID string, msg *transfer.ChunkMessage) (*transfer.Ack, error) {
	peerIDStr, err := t.resolve(destNodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown destination %s: %v", transfer.ErrTransport, destNodeID, err)
	}
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid peer id: %v", transfer.ErrTransport, err)
	}

	stream, err := t.node.host.NewStream(ctx, pid, protocol.ID(ProtocolTransferBlock))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stream: %v", transfer.ErrTransport, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return nil, fmt.Errorf("%w: failed to write chunk: %v", transfer.ErrTransport, err)
	}
	var ack transfer.Ack
	if err := json.NewDecoder(stream).Decode(&ack); err != nil {
		return nil, fmt.Errorf("%w: failed to read ack: %v", transfer.ErrTransport, err)
	}
	return &ack, nil
}
