package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	redisrepo "roomcast/internal/infrastructure/repositories/redis"
	"roomcast/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NodeRegistry records which gateway node holds each connection and keeps a
// heartbeat key alive for this node. A connection owned by a node whose
// heartbeat has expired is considered dead by the cluster probe.
type NodeRegistry struct {
	client      *redis.Client
	keys        redisrepo.Keyspace
	lockManager *distributed.LockManager
	nodeID      string
	ttl         time.Duration
	logger      *zap.SugaredLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewNodeRegistry(
	client *redis.Client,
	keys redisrepo.Keyspace,
	nodeID string,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *NodeRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &NodeRegistry{
		client:      client,
		keys:        keys,
		lockManager: distributed.NewLockManager(client, keys.Lock("")),
		nodeID:      nodeID,
		ttl:         ttl,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

func (r *NodeRegistry) NodeID() string {
	return r.nodeID
}

// Start writes the first heartbeat and keeps refreshing it at a third of
// its TTL until Stop.
func (r *NodeRegistry) Start(ctx context.Context) error {
	if err := r.beat(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				beatCtx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				if err := r.beat(beatCtx); err != nil {
					r.logger.Warnw("failed to refresh node heartbeat",
						"node_id", r.nodeID,
						"error", err,
					)
				}
				cancel()
			case <-r.stopCh:
				return
			}
		}
	}()

	r.logger.Infow("node registered", "node_id", r.nodeID, "ttl", r.ttl)
	return nil
}

// Stop ends the heartbeat and removes the key so other nodes stop trusting
// this node's connections right away.
func (r *NodeRegistry) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	if err := r.client.Del(ctx, r.keys.NodeHeartbeat(r.nodeID)).Err(); err != nil {
		return fmt.Errorf("failed to remove node heartbeat: %w", err)
	}
	return nil
}

func (r *NodeRegistry) beat(ctx context.Context) error {
	if err := r.client.Set(ctx, r.keys.NodeHeartbeat(r.nodeID), time.Now().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write node heartbeat: %w", err)
	}
	return nil
}

// Claim records this node as the owner of a connection.
func (r *NodeRegistry) Claim(ctx context.Context, connID domain.ConnectionID) error {
	if err := r.client.HSet(ctx, r.keys.ConnectionOwners(), string(connID), r.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to claim connection: %w", err)
	}
	return nil
}

func (r *NodeRegistry) Release(ctx context.Context, connID domain.ConnectionID) error {
	if err := r.client.HDel(ctx, r.keys.ConnectionOwners(), string(connID)).Err(); err != nil {
		return fmt.Errorf("failed to release connection: %w", err)
	}
	return nil
}

// Owners returns the owning node of each connection. Unowned connections
// are absent from the result.
func (r *NodeRegistry) Owners(ctx context.Context, connIDs []domain.ConnectionID) (map[domain.ConnectionID]string, error) {
	owners := make(map[domain.ConnectionID]string, len(connIDs))
	if len(connIDs) == 0 {
		return owners, nil
	}

	fields := make([]string, len(connIDs))
	for i, id := range connIDs {
		fields[i] = string(id)
	}
	values, err := r.client.HMGet(ctx, r.keys.ConnectionOwners(), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read connection owners: %w", err)
	}
	for i, v := range values {
		if node, ok := v.(string); ok && node != "" {
			owners[connIDs[i]] = node
		}
	}
	return owners, nil
}

// Alive reports whether a node's heartbeat is current.
func (r *NodeRegistry) Alive(ctx context.Context, nodeID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keys.NodeHeartbeat(nodeID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read node heartbeat: %w", err)
	}
	return n > 0, nil
}

// SweepLock returns the cluster-wide lock that keeps presence sweeps from
// running on two nodes at once.
func (r *NodeRegistry) SweepLock(ttl time.Duration) *distributed.DistributedLock {
	return r.lockManager.AcquireLock("presence-sweep", ttl)
}

// Probe wraps the local probe so connections held by other live nodes are
// reported live too.
func (r *NodeRegistry) Probe(local ports.LivenessProbe) ports.LivenessProbe {
	return &clusterProbe{registry: r, local: local}
}

type clusterProbe struct {
	registry *NodeRegistry
	local    ports.LivenessProbe
}

func (p *clusterProbe) LiveConnections(ctx context.Context, candidates []domain.ConnectionID) (map[domain.ConnectionID]bool, error) {
	live, err := p.local.LiveConnections(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var unknown []domain.ConnectionID
	for _, id := range candidates {
		if !live[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return live, nil
	}

	owners, err := p.registry.Owners(ctx, unknown)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]bool)
	for _, id := range unknown {
		node, ok := owners[id]
		// The local hub is authoritative for its own connections.
		if !ok || node == p.registry.nodeID {
			continue
		}
		alive, seen := nodes[node]
		if !seen {
			alive, err = p.registry.Alive(ctx, node)
			if err != nil {
				return nil, err
			}
			nodes[node] = alive
		}
		if alive {
			live[id] = true
		}
	}
	return live, nil
}
