package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

const (
	// DefaultHeartbeatTimeout is τ: a node whose last heartbeat is older than
	// this is excluded from active listings and demoted by the next sweep.
	DefaultHeartbeatTimeout = 300 * time.Second

	// DefaultSweepInterval is the cadence of the background liveness sweep.
	DefaultSweepInterval = 60 * time.Second
)

// ErrNotFound is returned by Heartbeat and Get when no node with the given ID
// exists. Heartbeat-without-register never auto-creates an entry.
var ErrNotFound = errors.New("registry: node not found")

// Node is the persistent record of a compute node.
type Node struct {
	NodeID        string    `gorm:"column:node_id;primaryKey"`
	DeviceName    string    `gorm:"column:device_name"`
	GPU           string    `gorm:"column:gpu"`
	VRAMGB        int       `gorm:"column:vram_gb"`
	Tags          string    `gorm:"column:tags"` // JSON array of capability tags
	Endpoint      string    `gorm:"column:endpoint"`
	ChannelID     string    `gorm:"column:channel_id"`
	Status        string    `gorm:"column:status"`
	RegisteredAt  time.Time `gorm:"column:registered_at"`
	LastHeartbeat time.Time `gorm:"column:last_heartbeat"`
}

// TableName keeps the gorm mapping aligned with the migration.
func (Node) TableName() string { return "nodes" }

// CapabilityTags decodes the JSON tag list. A corrupt column yields nil.
func (n *Node) CapabilityTags() []string {
	var tags []string
	_ = json.Unmarshal([]byte(n.Tags), &tags)
	return tags
}

// Descriptor is the registration payload supplied by a worker.
type Descriptor struct {
	NodeID     string   `json:"node_id"`
	DeviceName string   `json:"device"`
	GPU        string   `json:"gpu"`
	VRAMGB     int      `json:"vram_gb"`
	Tags       []string `json:"tags"`
	Endpoint   string   `json:"endpoint"`
	ChannelID  string   `json:"channel_id"`
}

// Registry is the coordinator's view of all compute nodes. All mutating calls
// serialize on a single registry-wide mutex; reads take the same lock briefly.
// The zero value is not usable — create instances with New.
type Registry struct {
	mu      sync.Mutex
	db      *gorm.DB
	timeout time.Duration
	logger  *zap.Logger
	cron    gocron.Scheduler

	// now is injected so tests can control heartbeat age.
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatTimeout overrides τ.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New opens (or creates) the node store at dsn and returns a ready Registry.
// Call StartSweep to begin the background liveness sweep.
func New(dsn string, logger *zap.Logger, opts ...Option) (*Registry, error) {
	db, err := openDB(dsn, logger)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		db:      db,
		timeout: DefaultHeartbeatTimeout,
		logger:  logger.Named("registry"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register upserts a node by its ID. On insert the node starts ready with both
// registered_at and last_heartbeat set to now; on conflict the descriptor
// fields and both timestamps are refreshed, which also revives a node
// previously swept offline.
func (r *Registry) Register(desc Descriptor) (*Node, error) {
	if desc.NodeID == "" {
		return nil, errors.New("registry: descriptor missing node_id")
	}

	tags, err := json.Marshal(desc.Tags)
	if err != nil {
		return nil, fmt.Errorf("registry: encode tags: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	node := Node{
		NodeID:        desc.NodeID,
		DeviceName:    orDefault(desc.DeviceName, "Unknown"),
		GPU:           orDefault(desc.GPU, "N/A"),
		VRAMGB:        desc.VRAMGB,
		Tags:          string(tags),
		Endpoint:      desc.Endpoint,
		ChannelID:     desc.ChannelID,
		Status:        string(types.WorkerStatusReady),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	err = r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"device_name", "gpu", "vram_gb", "tags", "endpoint",
			"channel_id", "status", "registered_at", "last_heartbeat",
		}),
	}).Create(&node).Error
	if err != nil {
		return nil, fmt.Errorf("registry: register %s: %w", desc.NodeID, err)
	}

	r.logger.Info("node registered",
		zap.String("node_id", node.NodeID),
		zap.String("device", node.DeviceName),
		zap.String("gpu", node.GPU),
		zap.String("endpoint", node.Endpoint),
	)
	return &node, nil
}

// Heartbeat refreshes a node's last_heartbeat and sets it back to ready.
// An unknown node ID returns ErrNotFound — the caller logs and drops it.
func (r *Registry) Heartbeat(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := r.db.Model(&Node{}).
		Where("node_id = ?", nodeID).
		Updates(map[string]interface{}{
			"last_heartbeat": r.now().UTC(),
			"status":         string(types.WorkerStatusReady),
		})
	if result.Error != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", nodeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single node by ID. Returns ErrNotFound if it does not exist.
func (r *Registry) Get(nodeID string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var node Node
	err := r.db.First(&node, "node_id = ?", nodeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get %s: %w", nodeID, err)
	}
	return &node, nil
}

// List returns all nodes, most recently alive first. With activeOnly set,
// entries whose heartbeat age exceeds τ are filtered out regardless of their
// stored status, so a node that died between sweeps is never dispatched to.
func (r *Registry) List(activeOnly bool) ([]Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.db.Order("last_heartbeat DESC")
	if activeOnly {
		cutoff := r.now().UTC().Add(-r.timeout)
		q = q.Where("last_heartbeat > ?", cutoff)
	}

	var nodes []Node
	if err := q.Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return nodes, nil
}

// MarkOffline demotes one node immediately, without waiting for the sweep.
// Used when a node's event-channel connection drops. Unknown IDs are a no-op.
func (r *Registry) MarkOffline(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := r.db.Model(&Node{}).
		Where("node_id = ?", nodeID).
		Update("status", string(types.WorkerStatusOffline))
	if result.Error != nil {
		return fmt.Errorf("registry: mark offline %s: %w", nodeID, result.Error)
	}
	if result.RowsAffected > 0 {
		r.logger.Info("node marked offline on disconnect", zap.String("node_id", nodeID))
	}
	return nil
}

// Sweep demotes every non-offline node whose heartbeat age exceeds τ. Rows
// are kept for observability, never deleted. Returns the number demoted.
func (r *Registry) Sweep() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Add(-r.timeout)
	result := r.db.Model(&Node{}).
		Where("last_heartbeat < ? AND status <> ?", cutoff, string(types.WorkerStatusOffline)).
		Update("status", string(types.WorkerStatusOffline))
	if result.Error != nil {
		return 0, fmt.Errorf("registry: sweep: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		r.logger.Info("stale nodes marked offline", zap.Int64("count", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

// DeviceCount returns the number of distinct populated endpoint addresses.
// Used for capacity reporting.
func (r *Registry) DeviceCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	err := r.db.Model(&Node{}).
		Where("endpoint IS NOT NULL AND endpoint <> ''").
		Distinct("endpoint").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("registry: device count: %w", err)
	}
	return int(count), nil
}

// StartSweep schedules the liveness sweep on a fixed cadence. Singleton mode
// guards against overlap if a sweep ever outlives its interval. An error in
// one sweep is logged and the next tick runs normally.
func (r *Registry) StartSweep(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("registry: failed to create sweep scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := r.Sweep(); err != nil {
				r.logger.Error("liveness sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("registry: failed to schedule sweep: %w", err)
	}

	r.cron = s
	s.Start()
	r.logger.Info("liveness sweep started", zap.Duration("interval", interval))
	return nil
}

// Stop shuts down the sweep scheduler, waiting for an in-flight sweep.
func (r *Registry) Stop() error {
	if r.cron == nil {
		return nil
	}
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("registry: sweep shutdown: %w", err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
