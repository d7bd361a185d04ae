package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"spyglass/pkg/logging"
)

// DefaultGracePeriod is the delay between the last viewer disconnecting and
// the upstream trace subscription being torn down.
const DefaultGracePeriod = 5 * time.Second

// TraceController is the upstream subscription the coordinator owns. Exactly
// one subscription exists while monitoring is active.
type TraceController interface {
	Start() error
	Stop() error
}

// StatusSink receives session status and error notifications for viewers.
type StatusSink interface {
	BroadcastStatus(active bool, message string)
	SendStatus(viewerID string, active bool, message string)
	BroadcastError(message string)
}

// State is a snapshot of the session for status reporting.
type State struct {
	Active       bool `json:"active"`
	ManualStop   bool `json:"manual_stop"`
	StartPending bool `json:"start_pending"`
	Viewers      int  `json:"viewers"`
}

// Config configures a Coordinator.
type Config struct {
	Source      TraceController
	Sink        StatusSink
	GracePeriod time.Duration
	Logger      logging.Logger
	Transitions *prometheus.CounterVec   // optional
	Durations   *prometheus.HistogramVec // optional, labeled by operation
}

// Coordinator arbitrates the monitoring session lifecycle: it starts the
// upstream trace subscription when the first viewer arrives, stops it a grace
// period after the last viewer leaves, and honors explicit start/stop
// requests. Every transition runs under one mutex; the network-bound source
// start/stop calls run detached and feed their completion back in as a new
// transition, so an in-flight start is explicit state rather than a held
// lock.
type Coordinator struct {
	source      TraceController
	sink        StatusSink
	presence    *Registry
	gracePeriod time.Duration
	logger      logging.Logger
	transitions *prometheus.CounterVec
	durations   *prometheus.HistogramVec

	mu             sync.Mutex
	active         bool
	manualStop     bool
	startInFlight  bool
	stopInFlight   bool
	restartPending bool
	graceTimer     *time.Timer
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Coordinator{
		source:      cfg.Source,
		sink:        cfg.Sink,
		presence:    NewRegistry(),
		gracePeriod: gracePeriod,
		logger:      cfg.Logger,
		transitions: cfg.Transitions,
		durations:   cfg.Durations,
	}
}

// ViewerConnected handles a new viewer. The first viewer auto-starts
// monitoring unless the last explicit action was a stop; a reconnect within
// the grace window cancels the pending shutdown.
func (c *Coordinator) ViewerConnected(viewerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, _ := c.presence.OnConnect()
	c.cancelGraceLocked()

	c.logger.WithFields(logging.Fields{
		"viewer_id": viewerID,
		"viewers":   count,
	}).Debug("Viewer connected")

	switch {
	case c.active || c.startInFlight || c.stopInFlight:
		// Monitoring already running or changing; reconnects within the
		// grace window land here after the timer cancel above.
	case c.manualStop:
		c.sink.SendStatus(viewerID, false, "monitoring stopped")
	default:
		c.countTransition("auto_start")
		c.beginStartLocked("")
	}
}

// ViewerDisconnected handles a viewer leaving. When the last viewer leaves
// while monitoring is active, the grace timer is armed.
func (c *Coordinator) ViewerDisconnected(viewerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, nowZero := c.presence.OnDisconnect()

	c.logger.WithFields(logging.Fields{
		"viewer_id": viewerID,
		"viewers":   count,
	}).Debug("Viewer disconnected")

	if nowZero && c.active {
		c.armGraceLocked()
	}
}

// ExplicitStart handles a start request. Clears the manual-stop override and
// starts monitoring if idle; a concurrent in-flight activation is
// acknowledged, never doubled.
func (c *Coordinator) ExplicitStart(viewerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.manualStop = false

	if c.startInFlight {
		c.sink.SendStatus(viewerID, false, "activation already in progress")
		return
	}
	if c.stopInFlight {
		// finishStop issues the restart once the teardown resolves.
		c.restartPending = true
		c.sink.SendStatus(viewerID, false, "monitoring restarting")
		return
	}
	if c.active {
		c.sink.SendStatus(viewerID, true, "monitoring already active")
		return
	}

	c.countTransition("explicit_start")
	c.beginStartLocked(viewerID)
}

// ExplicitStop handles a stop request. Sets the manual-stop override so a
// later viewer connect does not auto-start monitoring.
func (c *Coordinator) ExplicitStop(viewerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.manualStop = true
	c.restartPending = false
	c.cancelGraceLocked()

	if !c.active && !c.startInFlight && !c.stopInFlight {
		c.sink.SendStatus(viewerID, false, "monitoring already stopped")
		return
	}

	if c.startInFlight || c.stopInFlight {
		// finishStart honors the manual-stop flag once the in-flight
		// operation resolves.
		c.sink.SendStatus(viewerID, false, "monitoring stopping")
		return
	}

	c.countTransition("explicit_stop")
	c.beginStopLocked()
}

// HandleRequest routes a viewer's start/stop frame.
func (c *Coordinator) HandleRequest(viewerID, action string) {
	switch action {
	case "start":
		c.ExplicitStart(viewerID)
	case "stop":
		c.ExplicitStop(viewerID)
	default:
		c.logger.WithFields(logging.Fields{
			"viewer_id": viewerID,
			"action":    action,
		}).Warn("Ignoring unknown viewer request")
	}
}

// SourceError handles an asynchronous failure reported by the trace source,
// such as the broker dropping the subscription. The session falls back to
// idle so a later start can retry.
func (c *Coordinator) SourceError(err error) {
	c.logger.WithError(err).Error("Trace source failure")
	c.sink.BroadcastError(err.Error())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		c.active = false
		c.cancelGraceLocked()
		c.countTransition("source_failure")
		c.sink.BroadcastStatus(false, "monitoring stopped")
	}
}

// MonitoringActive reports whether an upstream subscription currently exists.
func (c *Coordinator) MonitoringActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Snapshot returns the current session state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Active:       c.active,
		ManualStop:   c.manualStop,
		StartPending: c.startInFlight,
		Viewers:      c.presence.Count(),
	}
}

// beginStartLocked launches the upstream start without holding the lock
// across the network call. requester is empty for presence-driven starts.
func (c *Coordinator) beginStartLocked(requester string) {
	c.startInFlight = true
	go func() {
		started := time.Now()
		err := c.source.Start()
		c.observeDuration("start", started)
		c.finishStart(requester, err)
	}()
}

func (c *Coordinator) finishStart(requester string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startInFlight = false

	if err != nil {
		c.logger.WithError(err).Error("Failed to start trace subscription")
		c.sink.BroadcastError(err.Error())
		return
	}

	c.active = true

	if c.manualStop {
		// A stop request arrived while the start was in flight; tear the
		// subscription straight back down without announcing an active
		// session nobody asked to keep.
		c.logger.Info("Monitoring started; honoring pending stop")
		c.countTransition("explicit_stop")
		c.beginStopLocked()
		return
	}

	c.logger.Info("Monitoring started")
	c.sink.BroadcastStatus(true, "monitoring started")

	if c.presence.Count() == 0 {
		// Every viewer left during activation.
		c.armGraceLocked()
	}
}

func (c *Coordinator) beginStopLocked() {
	c.stopInFlight = true
	go func() {
		started := time.Now()
		err := c.source.Stop()
		c.observeDuration("stop", started)
		c.finishStop(err)
	}()
}

func (c *Coordinator) finishStop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopInFlight = false
	// A failed teardown must not leave the session believing it is still
	// subscribed; that would block every future start.
	c.active = false

	if err != nil {
		c.logger.WithError(err).Warn("Trace subscription teardown failed")
	}

	c.logger.Info("Monitoring stopped")
	c.sink.BroadcastStatus(false, "monitoring stopped")

	// Start intent that arrived during the teardown, either an explicit
	// request or viewers waiting on the other side of a grace-expiry stop,
	// resolves against the now-idle state.
	if c.restartPending || (c.presence.Count() > 0 && !c.manualStop) {
		c.restartPending = false
		c.countTransition("auto_start")
		c.beginStartLocked("")
	}
}

// graceExpired fires when the grace period elapses with no viewers. A
// reconnect cancels the timer first, so reaching this with viewers present is
// a stale timer and a no-op.
func (c *Coordinator) graceExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.graceTimer = nil

	if !c.active || c.presence.Count() > 0 {
		return
	}

	// An automatic stop is not a user decision; it must not suppress the
	// next viewer's auto-start.
	c.manualStop = false
	c.countTransition("grace_expired")
	c.beginStopLocked()
}

func (c *Coordinator) armGraceLocked() {
	c.cancelGraceLocked()
	c.graceTimer = time.AfterFunc(c.gracePeriod, c.graceExpired)
	c.logger.WithField("grace_period", c.gracePeriod).Debug("Armed shutdown grace timer")
}

func (c *Coordinator) cancelGraceLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

func (c *Coordinator) observeDuration(operation string, started time.Time) {
	if c.durations != nil {
		c.durations.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
}

func (c *Coordinator) countTransition(name string) {
	if c.transitions != nil {
		c.transitions.WithLabelValues(name).Inc()
	}
}
