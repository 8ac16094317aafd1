package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey  = "lifeos:realtime:instances"
	instanceTTL   = 60 * time.Second
	instanceWrite = 2 * time.Second
)

// InstanceInfo is the heartbeat record of one relay process.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

// InstanceRegistry keeps a heartbeat for this process in a shared hash so
// /stats can report how many relay instances are alive. Purely diagnostic.
type InstanceRegistry struct {
	rdb        *goredis.Client
	clock      clockwork.Clock
	instanceID string
	version    string
	heartbeat  time.Duration
}

func NewInstanceRegistry(rdb *goredis.Client, clock clockwork.Clock, instanceID, version string, heartbeat time.Duration) *InstanceRegistry {
	return &InstanceRegistry{rdb: rdb, clock: clock, instanceID: instanceID, version: version, heartbeat: heartbeat}
}

// Run registers immediately, refreshes on every heartbeat and unregisters when ctx ends.
func (r *InstanceRegistry) Run(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	data, err := json.Marshal(InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, instanceWrite)
	defer cancel()
	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Instance heartbeat failed", "instance_id", r.instanceID, "error", err)
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), instanceWrite)
	defer cancel()
	if err := r.rdb.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Instance unregister failed", "instance_id", r.instanceID, "error", err)
	}
}

// ActiveInstances returns the instances whose last heartbeat is younger than
// 60s, sorted by id. Stale entries are removed on the way.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	active := []InstanceInfo{}
	var stale []string
	for id, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			stale = append(stale, id)
			continue
		}
		if now.Sub(time.Unix(info.Timestamp, 0)) < instanceTTL {
			active = append(active, info)
		} else {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		_ = r.rdb.HDel(ctx, instancesKey, stale...).Err()
	}
	slices.SortFunc(active, func(a, b InstanceInfo) int {
		return strings.Compare(a.InstanceID, b.InstanceID)
	})
	return active, nil
}
