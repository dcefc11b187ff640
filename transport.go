package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/skiff-io/raft/internal/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	errFailedResolve    = "failed to resolve network address: address = %s"
	errFailedListen     = "transport failed to start listening: address = %s"
	errTransportRunning = "transport is already running"
	errFailedRPC        = "rpc to peer failed: address = %s"

	// The name of the codec used to encode and decode RPC messages.
	codecName = "gob"

	// The amount of time to allow in-flight RPCs to finish on shutdown.
	shutdownGracePeriod = 300 * time.Millisecond

	// The maximum amount of time to wait on an RPC to complete. RPCs must
	// not block indefinitely - a node holds no locks while an RPC is in
	// flight, but the loops driving replication and elections should never
	// stall on an unresponsive peer for longer than this.
	rpcTimeout = 500 * time.Millisecond
)

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements the gRPC Codec interface using gob. All messages
// exchanged between nodes are plain Go structs.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return codecName
}

// Transport represents the underlying network communication layer between
// nodes in the cluster.
type Transport interface {
	// Run starts serving incoming RPCs. It is a no-op if the transport is
	// already running.
	Run() error

	// Shutdown stops serving incoming RPCs and closes all connections to
	// other nodes. It is a no-op if the transport is not running.
	Shutdown() error

	// SendAppendEntries sends an append entries request to the node at the
	// provided address.
	SendAppendEntries(address string, request AppendEntriesRequest) (AppendEntriesResponse, error)

	// SendRequestVote sends a request vote request to the node at the
	// provided address.
	SendRequestVote(address string, request RequestVoteRequest) (RequestVoteResponse, error)

	// SendInstallSnapshot sends an install snapshot request to the node at
	// the provided address.
	SendInstallSnapshot(address string, request InstallSnapshotRequest) (InstallSnapshotResponse, error)

	// RegisterAppendEntriesHandler registers the function that is called
	// when an append entries RPC is received.
	RegisterAppendEntriesHandler(handler func(*AppendEntriesRequest, *AppendEntriesResponse) error)

	// RegisterRequestVoteHandler registers the function that is called when
	// a request vote RPC is received.
	RegisterRequestVoteHandler(handler func(*RequestVoteRequest, *RequestVoteResponse) error)

	// RegisterInstallSnapshotHandler registers the function that is called
	// when an install snapshot RPC is received.
	RegisterInstallSnapshotHandler(handler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error)

	// Address returns the network address that the transport serves on.
	Address() string
}

// rpcServer is the interface the gRPC service descriptor is bound against.
type rpcServer interface {
	appendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	requestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	installSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "raft.Transport",
	HandlerType: (*rpcServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: appendEntriesRPCHandler},
		{MethodName: "RequestVote", Handler: requestVoteRPCHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotRPCHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func appendEntriesRPCHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	_ grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(AppendEntriesRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	return srv.(rpcServer).appendEntries(ctx, request)
}

func requestVoteRPCHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	_ grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(RequestVoteRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	return srv.(rpcServer).requestVote(ctx, request)
}

func installSnapshotRPCHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	_ grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(InstallSnapshotRequest)
	if err := dec(request); err != nil {
		return nil, err
	}
	return srv.(rpcServer).installSnapshot(ctx, request)
}

// connectionManager caches client connections to the other nodes in the
// cluster. Connections are created lazily and reused across RPCs.
type connectionManager struct {
	// Maps the address of a node to the connection for that node.
	connections map[string]*grpc.ClientConn

	// The credentials used when establishing connections.
	credentials credentials.TransportCredentials

	mu sync.Mutex
}

func newConnectionManager() *connectionManager {
	return &connectionManager{
		connections: make(map[string]*grpc.ClientConn),
		credentials: insecure.NewCredentials(),
	}
}

func (c *connectionManager) getConn(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.connections[address]; ok {
		return conn, nil
	}
	conn, err := grpc.Dial(
		address,
		grpc.WithTransportCredentials(c.credentials),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, errors.WrapError(err, errFailedRPC, address)
	}
	c.connections[address] = conn
	return conn, nil
}

func (c *connectionManager) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for address, conn := range c.connections {
		conn.Close()
		delete(c.connections, address)
	}
}

// transport is an implementation of the Transport interface backed by gRPC.
type transport struct {
	// Indicates whether the transport is started.
	running bool

	// The network address RPCs are served on.
	address net.Addr

	// The gRPC server serving incoming RPCs.
	server *grpc.Server

	// Manages connections to other nodes in the cluster.
	connManager *connectionManager

	appendEntriesHandler   func(*AppendEntriesRequest, *AppendEntriesResponse) error
	requestVoteHandler     func(*RequestVoteRequest, *RequestVoteResponse) error
	installSnapshotHandler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error

	mu sync.RWMutex
}

// NewTransport creates a transport that will serve RPCs on the provided
// network address.
func NewTransport(address string) (Transport, error) {
	resolvedAddress, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.WrapError(err, errFailedResolve, address)
	}
	return &transport{
		address:     resolvedAddress,
		connManager: newConnectionManager(),
	}, nil
}

func (t *transport) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	listener, err := net.Listen(t.address.Network(), t.address.String())
	if err != nil {
		return errors.WrapError(err, errFailedListen, t.address.String())
	}
	t.server = grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	t.server.RegisterService(&transportServiceDesc, t)
	t.running = true
	go t.server.Serve(listener)

	return nil
}

func (t *transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false

	stopped := make(chan struct{})
	go func() {
		t.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(shutdownGracePeriod):
		t.server.Stop()
	}

	t.connManager.closeAll()

	return nil
}

func (t *transport) SendAppendEntries(
	address string,
	request AppendEntriesRequest,
) (AppendEntriesResponse, error) {
	var response AppendEntriesResponse
	err := t.invoke(address, "/raft.Transport/AppendEntries", &request, &response)
	return response, err
}

func (t *transport) SendRequestVote(
	address string,
	request RequestVoteRequest,
) (RequestVoteResponse, error) {
	var response RequestVoteResponse
	err := t.invoke(address, "/raft.Transport/RequestVote", &request, &response)
	return response, err
}

func (t *transport) SendInstallSnapshot(
	address string,
	request InstallSnapshotRequest,
) (InstallSnapshotResponse, error) {
	var response InstallSnapshotResponse
	err := t.invoke(address, "/raft.Transport/InstallSnapshot", &request, &response)
	return response, err
}

func (t *transport) invoke(address string, method string, request interface{}, response interface{}) error {
	conn, err := t.connManager.getConn(address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := conn.Invoke(ctx, method, request, response, grpc.CallContentSubtype(codecName)); err != nil {
		return errors.WrapError(err, errFailedRPC, address)
	}
	return nil
}

func (t *transport) RegisterAppendEntriesHandler(
	handler func(*AppendEntriesRequest, *AppendEntriesResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendEntriesHandler = handler
}

func (t *transport) RegisterRequestVoteHandler(
	handler func(*RequestVoteRequest, *RequestVoteResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestVoteHandler = handler
}

func (t *transport) RegisterInstallSnapshotHandler(
	handler func(*InstallSnapshotRequest, *InstallSnapshotResponse) error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installSnapshotHandler = handler
}

func (t *transport) Address() string {
	return t.address.String()
}

func (t *transport) appendEntries(
	ctx context.Context,
	request *AppendEntriesRequest,
) (*AppendEntriesResponse, error) {
	t.mu.RLock()
	handler := t.appendEntriesHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, status.Error(codes.Unavailable, "no append entries handler registered")
	}
	response := new(AppendEntriesResponse)
	if err := handler(request, response); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return response, nil
}

func (t *transport) requestVote(
	ctx context.Context,
	request *RequestVoteRequest,
) (*RequestVoteResponse, error) {
	t.mu.RLock()
	handler := t.requestVoteHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, status.Error(codes.Unavailable, "no request vote handler registered")
	}
	response := new(RequestVoteResponse)
	if err := handler(request, response); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return response, nil
}

func (t *transport) installSnapshot(
	ctx context.Context,
	request *InstallSnapshotRequest,
) (*InstallSnapshotResponse, error) {
	t.mu.RLock()
	handler := t.installSnapshotHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, status.Error(codes.Unavailable, "no install snapshot handler registered")
	}
	response := new(InstallSnapshotResponse)
	if err := handler(request, response); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return response, nil
}
