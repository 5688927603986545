package repair

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stratumdb/stratum/internal/logging"
)

const (
	healthCheckInterval = 30 * time.Second
	idleProbeTimeout    = 5 * time.Second
	maxMessageSize      = 10 * 1024 * 1024
)

// ConnectionPool manages gRPC connections to repair service endpoints.
type ConnectionPool struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	logger *logging.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
	closeMu sync.Mutex
}

// NewConnectionPool creates a pool with a background health checker.
func NewConnectionPool(logger *logging.Logger) *ConnectionPool {
	if logger == nil {
		logger = logging.Global()
	}
	pool := &ConnectionPool{
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	pool.wg.Add(1)
	go pool.healthCheckLoop()

	return pool
}

// GetConnection gets or creates a connection to address.
func (p *ConnectionPool) GetConnection(address string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, exists := p.conns[address]
	p.mu.RUnlock()

	if exists {
		state := conn.GetState()
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			p.removeConnection(address)
		} else {
			return conn, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := p.conns[address]; exists {
		state := conn.GetState()
		if state != connectivity.TransientFailure && state != connectivity.Shutdown {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.conns, address)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	p.conns[address] = conn
	p.logger.Debug("Created new repair service connection", "address", address)

	return conn, nil
}

// removeConnection removes a connection from the pool
func (p *ConnectionPool) removeConnection(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, exists := p.conns[address]; exists {
		_ = conn.Close()
		delete(p.conns, address)
		p.logger.Debug("Removed unhealthy repair service connection", "address", address)
	}
}

// healthCheckLoop periodically checks connection health
func (p *ConnectionPool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkConnections()
		}
	}
}

// checkConnections closes and drops connections in a failed state.
func (p *ConnectionPool) checkConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for address, conn := range p.conns {
		state := conn.GetState()

		switch state {
		case connectivity.TransientFailure, connectivity.Shutdown:
			_ = conn.Close()
			delete(p.conns, address)
			p.logger.Warn("Removed unhealthy repair service connection",
				"address", address,
				"state", state.String())

		case connectivity.Idle:
			ctx, cancel := context.WithTimeout(context.Background(), idleProbeTimeout)
			conn.Connect()
			if !conn.WaitForStateChange(ctx, connectivity.Idle) {
				p.logger.Debug("Connection idle, attempting reconnect", "address", address)
			}
			cancel()
		}
	}
}

// GetConnectionCount returns the number of active connections
func (p *ConnectionPool) GetConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// GetConnectionStates returns the state of all connections
func (p *ConnectionPool) GetConnectionStates() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make(map[string]string, len(p.conns))
	for address, conn := range p.conns {
		states[address] = conn.GetState().String()
	}
	return states
}

// Close closes all connections and stops the health checker
func (p *ConnectionPool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for address, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Warn("Failed to close repair service connection", "address", address, "error", err)
		}
	}

	p.conns = make(map[string]*grpc.ClientConn)
	p.logger.Info("Closed all repair service connections")
}
