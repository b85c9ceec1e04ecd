// Package presence announces this service instance on the bus and tracks
// the other instances sharing it.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "voice.presence.announce"
	subjectHeartbeat = "voice.presence.heartbeat."
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Instance struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	InstanceID   string       `json:"instance_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

type Options struct {
	InstanceID        string
	Capabilities      []Capability
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Tracker keeps a view of live instances built from announcements and
// heartbeats, including its own.
type Tracker struct {
	conn *nats.Conn
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
	now       func() time.Time
}

func NewTracker(conn *nats.Conn, opts Options, logger *slog.Logger) *Tracker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	t := &Tracker{
		conn:      conn,
		opts:      opts,
		log:       logger.With(slog.String("component", "presence")),
		instances: make(map[string]*Instance),
		now:       time.Now,
	}
	t.initMetrics()
	return t
}

// Run subscribes, announces this instance and heartbeats until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	announceSub, err := t.conn.Subscribe(subjectAnnounce, t.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	defer func() { _ = announceSub.Unsubscribe() }()
	heartbeatSub, err := t.conn.Subscribe(subjectHeartbeat+"*", t.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	defer func() { _ = heartbeatSub.Unsubscribe() }()
	if err := t.conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	if err := t.announce(); err != nil {
		t.log.Warn("failed to announce instance", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.publishHeartbeat(); err != nil {
				t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			t.evaluate()
		}
	}
}

// Instances returns a snapshot ordered by ID.
func (t *Tracker) Instances() []Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) announce() error {
	msg := announceMessage{
		InstanceID:   t.opts.InstanceID,
		Capabilities: t.opts.Capabilities,
		Timestamp:    t.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(subjectAnnounce, payload); err != nil {
		return err
	}
	t.update(msg.InstanceID, msg.Capabilities, msg.Timestamp)
	return nil
}

func (t *Tracker) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{InstanceID: t.opts.InstanceID, Timestamp: t.now().UTC()})
	if err != nil {
		return err
	}
	return t.conn.Publish(subjectHeartbeat+t.opts.InstanceID, payload)
}

func (t *Tracker) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.InstanceID == "" {
		t.log.Warn("invalid announce message")
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = t.now().UTC()
	}
	t.update(a.InstanceID, a.Capabilities, a.Timestamp)
}

func (t *Tracker) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.InstanceID == "" {
		t.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = t.now().UTC()
	}
	t.update(hb.InstanceID, nil, hb.Timestamp)
}

func (t *Tracker) update(id string, caps []Capability, seen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[id]
	if !ok {
		inst = &Instance{ID: id}
		t.instances[id] = inst
		if id != t.opts.InstanceID {
			t.log.Info("instance joined", slog.String("instance_id", id))
		}
	}
	if len(caps) > 0 {
		inst.Capabilities = caps
	}
	inst.LastSeen = seen
	inst.Healthy = true
}

func (t *Tracker) evaluate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, inst := range t.instances {
		if inst.Healthy && now.Sub(inst.LastSeen) > t.opts.HeartbeatTimeout {
			inst.Healthy = false
			t.log.Warn("instance missed heartbeats", slog.String("instance_id", inst.ID))
		}
	}
}

func (t *Tracker) initMetrics() {
	gauge, err := otel.Meter("loqa-voice/presence").Int64ObservableGauge("presence.instances",
		metric.WithDescription("Healthy service instances on the bus"))
	if err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	_, err = otel.Meter("loqa-voice/presence").RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, inst := range t.Instances() {
			if inst.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	if err != nil {
		t.log.Warn("failed to register metrics callback", slog.String("error", err.Error()))
	}
}
