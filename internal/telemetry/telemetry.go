// Package telemetry broadcasts daemon events to any number of attached
// sinks (typically websocket clients) and periodically scrapes nginx for
// runtime metrics. Each sink gets its own buffered queue and writer
// goroutine, so one slow consumer can neither block the daemon nor reorder
// another consumer's events.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/nginxctl"
	"github.com/nubi-sh/nubi/internal/store"
)

// Event types carried on the wire.
const (
	EventNginxStatus = "nginx_status"
	EventMaintenance = "maintenance_mode"
	EventMetrics     = "metrics"
	EventError       = "error"
)

const sinkQueueSize = 16

// Event is one telemetry message.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events. Send must be safe to call from one goroutine; the
// fanout never calls it concurrently for the same sink.
type Sink interface {
	Send(Event) error
}

// Commander is the mutation surface exposed to telemetry clients.
type Commander interface {
	Reload(ctx context.Context) error
	ValidateConfig(ctx context.Context) (string, error)
	Status(ctx context.Context) *nginxctl.Status
}

// NginxStatusData is the payload of a nginx_status event.
type NginxStatusData struct {
	Running     bool   `json:"running"`
	ConfigValid bool   `json:"configValid"`
	Version     string `json:"version,omitempty"`
}

// MaintenanceData is the payload of a maintenance_mode event.
type MaintenanceData struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
}

// MetricsData is the payload of a periodic metrics event. A failed scrape
// reports zeros rather than going silent, so dashboards can tell "nginx
// down" from "telemetry down".
type MetricsData struct {
	ActiveConnections int    `json:"activeConnections"`
	Reading           int    `json:"reading"`
	Writing           int    `json:"writing"`
	Waiting           int    `json:"waiting"`
	Requests          int    `json:"requests"`
	Uptime            int64  `json:"uptime"`
	UptimeString      string `json:"uptimeString"`
	RxBytes           uint64 `json:"rxBytes"`
	TxBytes           uint64 `json:"txBytes"`
	Hosts             int    `json:"hosts"`
	EnabledHosts      int    `json:"enabledHosts"`
	Certificates      int    `json:"certificates"`
}

type subscriber struct {
	sink Sink
	ch   chan Event
}

// Fanout owns the subscriber set and the scrape loop.
type Fanout struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}

	store     *store.Store
	status    *nginxctl.StatusClient
	system    *nginxctl.System
	commander Commander
	metrics   *Metrics
	interval  time.Duration
	iface     string
	log       *zap.Logger
}

// New builds a Fanout. commander may be attached later with SetCommander.
func New(st *store.Store, status *nginxctl.StatusClient, system *nginxctl.System, metrics *Metrics, interval time.Duration, iface string, log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Fanout{
		subs:     make(map[*subscriber]struct{}),
		store:    st,
		status:   status,
		system:   system,
		metrics:  metrics,
		interval: interval,
		iface:    iface,
		log:      log,
	}
}

// SetCommander attaches the command surface.
func (f *Fanout) SetCommander(c Commander) { f.commander = c }

// Subscribe attaches a sink and returns its detach function. Events sent
// before Subscribe returns are not delivered to the new sink.
func (f *Fanout) Subscribe(sink Sink) func() {
	sub := &subscriber{sink: sink, ch: make(chan Event, sinkQueueSize)}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			if err := sub.sink.Send(ev); err != nil {
				f.log.Debug("dropping telemetry sink", zap.Error(err))
				f.drop(sub)
				return
			}
		}
	}()

	return func() { f.drop(sub) }
}

func (f *Fanout) drop(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

// Broadcast queues an event for every subscriber. A subscriber whose queue
// is full loses the event rather than blocking the caller.
func (f *Fanout) Broadcast(eventType string, data any) {
	ev := Event{Type: eventType, Payload: data, Timestamp: time.Now()}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			f.log.Warn("telemetry queue full, dropping event",
				zap.String("type", eventType))
		}
	}
}

// EmitNginxStatus collects and broadcasts current nginx health.
func (f *Fanout) EmitNginxStatus() {
	data := NginxStatusData{}
	if f.commander != nil {
		st := f.commander.Status(context.Background())
		data.Running = st.Running
		data.ConfigValid = st.ConfigValid
		data.Version = st.Version
	}
	f.Broadcast(EventNginxStatus, data)
}

// EmitMaintenance broadcasts a maintenance mode change.
func (f *Fanout) EmitMaintenance(enabled bool, message string) {
	f.Broadcast(EventMaintenance, MaintenanceData{Enabled: enabled, Message: message})
}

// Scrape gathers one metrics sample. Every source degrades independently to
// its zero value.
func (f *Fanout) Scrape(ctx context.Context) MetricsData {
	var data MetricsData

	if f.status != nil {
		if st, err := f.status.Fetch(ctx); err == nil {
			data.ActiveConnections = st.ActiveConnections
			data.Reading = st.Reading
			data.Writing = st.Writing
			data.Waiting = st.Waiting
			data.Requests = st.Requests
		} else {
			f.log.Debug("stub_status scrape failed", zap.Error(err))
		}
	}
	if f.system != nil {
		uptime := f.system.ProcessUptime()
		data.Uptime = int64(uptime.Seconds())
		data.UptimeString = nginxctl.FormatUptime(uptime)
		counters := f.system.Network(f.iface)
		data.RxBytes = counters.RxBytes
		data.TxBytes = counters.TxBytes
	} else {
		data.UptimeString = nginxctl.FormatUptime(0)
	}
	if f.store != nil {
		snap := f.store.StateSnapshot()
		data.Hosts = snap.Hosts
		data.EnabledHosts = snap.EnabledHosts
		data.Certificates = snap.Certificates
	}

	if f.metrics != nil {
		f.metrics.Observe(data)
	}
	return data
}

// Run drives the periodic metrics broadcast until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.Broadcast(EventMetrics, f.Scrape(ctx))
		}
	}
}

// HandleCommand executes a client command and returns the reply event.
// Unknown commands get an error event instead of silence.
func (f *Fanout) HandleCommand(ctx context.Context, command string) Event {
	now := time.Now()
	if f.commander == nil {
		return Event{Type: EventError, Payload: map[string]string{"message": "commands unavailable"}, Timestamp: now}
	}

	switch command {
	case "reload":
		if err := f.commander.Reload(ctx); err != nil {
			return Event{Type: EventError, Payload: map[string]string{"message": err.Error()}, Timestamp: now}
		}
		f.EmitNginxStatus()
		return Event{Type: EventNginxStatus, Payload: map[string]string{"message": "reload completed"}, Timestamp: now}
	case "test":
		out, err := f.commander.ValidateConfig(ctx)
		data := map[string]any{"output": out, "valid": err == nil}
		return Event{Type: EventNginxStatus, Payload: data, Timestamp: now}
	case "get_status":
		st := f.commander.Status(ctx)
		return Event{Type: EventNginxStatus, Payload: NginxStatusData{
			Running:     st.Running,
			ConfigValid: st.ConfigValid,
			Version:     st.Version,
		}, Timestamp: now}
	default:
		return Event{Type: EventError, Payload: map[string]string{"message": "unknown command: " + command}, Timestamp: now}
	}
}
