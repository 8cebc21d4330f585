// Package dispatcher implements the Dispatcher module: owns the
// client set, decides which clients receive an update on each tick,
// assembles the MarketSnapshot, and hands it to the Stream Server.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/cache"
	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/model"
)

// Sender delivers an assembled snapshot to one client. Implemented by
// the Stream Server's per-connection session. Returning an error
// evicts the client.
type Sender interface {
	Send(ctx context.Context, snapshot model.MarketSnapshot) error
}

// event is the single channel type mutating the Dispatcher's client
// set: a single owner goroutine consumes these, per §5's "single owner
// task consuming an event channel is the preferred pattern."
type event struct {
	register   *registerEvent
	evict      *evictEvent
	reclassify *reclassifyEvent
}

type registerEvent struct {
	id       string
	remote   string
	sender   Sender
	page     model.PageClass
	interval int
}

type evictEvent struct {
	id string
}

type reclassifyEvent struct {
	id       string
	page     model.PageClass
	interval int
}

// MetricsSink receives Dispatcher observability events for the
// ambient /metrics surface. A nil sink (the default) disables
// instrumentation entirely; wire one with WithMetrics.
type MetricsSink interface {
	SetClients(pageClass string, n int)
	RecordSend(pageClass, outcome string)
	RecordEviction(pageClass string)
	RecordSkippedTick()
}

type noopMetricsSink struct{}

func (noopMetricsSink) SetClients(string, int)     {}
func (noopMetricsSink) RecordSend(string, string)  {}
func (noopMetricsSink) RecordEviction(string)      {}
func (noopMetricsSink) RecordSkippedTick()         {}

// Dispatcher owns the ClientSession set and the last_dispatch_at
// table. All mutation flows through its event channel; nothing else
// touches clients or lastDispatch directly.
type Dispatcher struct {
	store    *cache.Store
	settings config.Settings
	cadence  *CadenceTable
	timeout  time.Duration

	events         chan event
	dashboardQuery chan chan bool
	log            zerolog.Logger
	metrics        MetricsSink

	clients      map[string]*clientEntry
	lastDispatch map[model.PageClass]time.Time
}

type clientEntry struct {
	session model.ClientSession
	sender  Sender
}

// New builds a Dispatcher. timeout is the per-client send timeout
// (default 3s per §4.4, set by the dispatcher.send_timeout_secs config key).
func New(store *cache.Store, settings config.Settings, cadence *CadenceTable, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:          store,
		settings:       settings,
		cadence:        cadence,
		timeout:        timeout,
		events:         make(chan event, 64),
		dashboardQuery: make(chan chan bool),
		log:            log.With().Str("component", "dispatcher").Logger(),
		metrics:        noopMetricsSink{},
		clients:        make(map[string]*clientEntry),
		lastDispatch:   make(map[model.PageClass]time.Time),
	}
}

// WithMetrics installs an observability sink for connected-client
// gauges, send outcomes, evictions, and skipped ticks.
func (d *Dispatcher) WithMetrics(m MetricsSink) *Dispatcher {
	d.metrics = m
	return d
}

// Register adds a client to the dispatcher's set, classifying it by
// page and returning its opaque session id.
func (d *Dispatcher) Register(remote string, sender Sender, page model.PageClass, requestedInterval int) string {
	id := uuid.NewString()
	d.events <- event{register: &registerEvent{id: id, remote: remote, sender: sender, page: page, interval: requestedInterval}}
	return id
}

// Evict removes a client from the dispatcher's set. Safe to call
// multiple times for the same id.
func (d *Dispatcher) Evict(id string) {
	d.events <- event{evict: &evictEvent{id: id}}
}

// Reclassify updates an already-registered client's page class and
// requested interval, for the `client_info` control message received
// after the initial registration (a connection starts out Unknown
// until the Stream Server forwards its first client_info).
func (d *Dispatcher) Reclassify(id string, page model.PageClass, requestedInterval int) {
	d.events <- event{reclassify: &reclassifyEvent{id: id, page: page, interval: requestedInterval}}
}

// isDashboardActiveLocked reports whether any connected client is on
// the Dashboard page. Must only be called from the Run goroutine.
func (d *Dispatcher) isDashboardActiveLocked() bool {
	for _, c := range d.clients {
		if c.session.Page == model.PageDashboard {
			return true
		}
	}
	return false
}

// Run executes the Dispatcher's single cooperative task until ctx is
// canceled: it owns client-set mutation, dashboard-active queries,
// interval computation, and snapshot assembly/send, all serialized on
// one goroutine reading from d.events, d.dashboardQuery, and a timer.
func (d *Dispatcher) Run(ctx context.Context) {
	d.maybeForceStartupDispatch(ctx)

	for {
		wait := d.computeWait()
		timer := time.NewTimer(wait)

		due := false
		for !due {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev := <-d.events:
				d.applyEvent(ev)
			case reply := <-d.dashboardQuery:
				reply <- d.isDashboardActiveLocked()
			case <-timer.C:
				due = true
			}
		}

		d.dispatchDueClasses(ctx)
	}
}

// Snapshot builds a MarketSnapshot from the current Cache Store
// contents on demand, for the Stream Server's initial push on connect
// and its "get_latest" control message — both of which need a snapshot
// outside the regular dispatch cadence.
func (d *Dispatcher) Snapshot() (model.MarketSnapshot, bool) {
	return d.buildSnapshot()
}

// DashboardActiveFunc returns a function Collector Loops can poll for
// dashboard-active state without touching the Dispatcher's internals
// directly; it proxies through the single owner goroutine running Run.
func (d *Dispatcher) DashboardActiveFunc(ctx context.Context) func() bool {
	return func() bool {
		reply := make(chan bool, 1)
		select {
		case d.dashboardQuery <- reply:
			select {
			case v := <-reply:
				return v
			case <-time.After(1 * time.Second):
				return false
			}
		case <-ctx.Done():
			return false
		case <-time.After(1 * time.Second):
			return false
		}
	}
}

func (d *Dispatcher) applyEvent(ev event) {
	switch {
	case ev.register != nil:
		r := ev.register
		d.clients[r.id] = &clientEntry{
			session: model.ClientSession{
				ID:                   r.id,
				Remote:               r.remote,
				Page:                 r.page,
				ConnectedAt:          time.Now(),
				RequestedIntervalSec: r.interval,
			},
			sender: r.sender,
		}
		d.log.Info().Str("client", r.id).Str("page", string(r.page)).Msg("client registered")
		d.metrics.SetClients(string(r.page), d.countByPage(r.page))
	case ev.evict != nil:
		if c, found := d.clients[ev.evict.id]; found {
			delete(d.clients, ev.evict.id)
			d.metrics.SetClients(string(c.session.Page), d.countByPage(c.session.Page))
		}
		d.log.Info().Str("client", ev.evict.id).Msg("client evicted")
	case ev.reclassify != nil:
		r := ev.reclassify
		c, found := d.clients[r.id]
		if !found {
			return
		}
		oldPage := c.session.Page
		c.session.Page = r.page
		if r.interval > 0 {
			c.session.RequestedIntervalSec = r.interval
		}
		if oldPage != r.page {
			d.metrics.SetClients(string(oldPage), d.countByPage(oldPage))
			d.metrics.SetClients(string(r.page), d.countByPage(r.page))
		}
		d.log.Info().Str("client", r.id).Str("page", string(r.page)).Msg("client reclassified")
	}
}

func (d *Dispatcher) countByPage(class model.PageClass) int {
	n := 0
	for _, c := range d.clients {
		if c.session.Page == class {
			n++
		}
	}
	return n
}

// computeWait implements §4.4 step 1: the minimum wait across all
// enabled page classes with at least one client, floored at 100ms, or
// 10s if no enabled class has clients.
func (d *Dispatcher) computeWait() time.Duration {
	now := time.Now()
	dashboardOverride := d.settings.DashboardRefreshInterval()

	minWait := time.Duration(-1)
	for _, class := range []model.PageClass{model.PageDashboard, model.PageOther, model.PageUnknown} {
		if !d.classHasClients(class) {
			continue
		}
		policy := d.cadence.PolicyFor(class, dashboardOverride)
		if !policy.Enabled {
			continue
		}
		elapsed := now.Sub(d.lastDispatch[class])
		wait := policy.BaseInterval - elapsed
		if wait < 0 {
			wait = 0
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}

	if minWait < 0 {
		return 10 * time.Second
	}
	if minWait < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return minWait
}

func (d *Dispatcher) classHasClients(class model.PageClass) bool {
	for _, c := range d.clients {
		if c.session.Page == class {
			return true
		}
	}
	return false
}

// dispatchDueClasses implements §4.4 steps 2-3: for each page class
// whose interval has elapsed, build and send a snapshot to its clients.
func (d *Dispatcher) dispatchDueClasses(ctx context.Context) {
	if !d.settings.WebsocketEnabled() {
		return
	}

	now := time.Now()
	dashboardOverride := d.settings.DashboardRefreshInterval()

	for _, class := range []model.PageClass{model.PageDashboard, model.PageOther, model.PageUnknown} {
		if !d.classHasClients(class) {
			continue
		}
		policy := d.cadence.PolicyFor(class, dashboardOverride)
		if !policy.Enabled {
			continue
		}
		if now.Sub(d.lastDispatch[class]) < policy.BaseInterval {
			continue
		}

		snapshot, ok := d.buildSnapshot()
		if !ok {
			d.log.Warn().Str("page_class", string(class)).Msg("snapshot build failed, skipping tick")
			d.metrics.RecordSkippedTick()
			continue
		}

		d.sendToClass(ctx, class, snapshot)
		d.lastDispatch[class] = now
	}
}

func (d *Dispatcher) sendToClass(ctx context.Context, class model.PageClass, snapshot model.MarketSnapshot) {
	for id, c := range d.clients {
		if c.session.Page != class {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := c.sender.Send(sendCtx, snapshot)
		cancel()
		if err != nil {
			d.log.Warn().Str("client", id).Err(err).Msg("send failed, evicting")
			delete(d.clients, id)
			d.metrics.RecordSend(string(class), "error")
			d.metrics.RecordEviction(string(class))
			d.metrics.SetClients(string(class), d.countByPage(class))
			continue
		}
		d.metrics.RecordSend(string(class), "ok")
	}
}

// maybeForceStartupDispatch implements §4.4 step 4 and the resolved
// Open Question: the startup push honors the websocket-enabled gate.
func (d *Dispatcher) maybeForceStartupDispatch(ctx context.Context) {
	if !d.settings.WebsocketEnabled() {
		return
	}
	snapshot, ok := d.buildSnapshot()
	if !ok {
		return
	}
	for _, class := range []model.PageClass{model.PageDashboard, model.PageOther, model.PageUnknown} {
		if !d.classHasClients(class) {
			continue
		}
		d.sendToClass(ctx, class, snapshot)
		d.lastDispatch[class] = time.Now()
	}
}
