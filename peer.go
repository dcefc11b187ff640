package raft

// Peer is a representation of another node in the cluster. A peer is not
// concurrent safe - the node that owns the peer serializes access to it.
type Peer struct {
	// The ID of this peer.
	id string

	// The network address of this peer.
	address string

	// The index of the next log entry that should be sent to this peer.
	nextIndex uint64

	// The highest log entry index known to be replicated on this peer.
	matchIndex uint64

	// Indicates whether this node may communicate with the peer. Only
	// intended for testing failure scenarios.
	connected bool
}

// NewPeer creates a peer with the provided ID and network address.
func NewPeer(id string, address string) *Peer {
	return &Peer{id: id, address: address, connected: true}
}

// ID returns the ID of the peer.
func (p *Peer) ID() string {
	return p.id
}

// Address returns the network address of the peer.
func (p *Peer) Address() string {
	return p.address
}

func (p *Peer) setNextIndex(index uint64) {
	p.nextIndex = index
}

func (p *Peer) getNextIndex() uint64 {
	return p.nextIndex
}

func (p *Peer) setMatchIndex(index uint64) {
	p.matchIndex = index
}

func (p *Peer) getMatchIndex() uint64 {
	return p.matchIndex
}

func (p *Peer) connect() {
	p.connected = true
}

func (p *Peer) disconnect() {
	p.connected = false
}

func (p *Peer) isConnected() bool {
	return p.connected
}
