package main

import (
	"time"

	"spyglass/internal/handlers"
	"spyglass/internal/metrics"
	"spyglass/internal/session"
	"spyglass/internal/trace"
	"spyglass/internal/websocket"
	"spyglass/pkg/config"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
	"spyglass/pkg/server"
	"spyglass/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("spyglass")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Spyglass (trace firehose hub)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("spyglass", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("spyglass", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		HubConnections:     metricsCollector.NewGauge("websocket_hub_connections_active", "Active WebSocket hub connections", []string{"endpoint"}),
		HubMessages:        metricsCollector.NewCounter("websocket_hub_messages_total", "WebSocket hub messages", []string{"type", "direction"}),
		SessionTransitions: metricsCollector.NewCounter("session_transitions_total", "Monitoring session transitions", []string{"transition"}),
	}

	// Create broker metrics
	serviceMetrics.TraceMessages, serviceMetrics.BrokerDuration = metricsCollector.CreateBrokerMetrics()

	// Broker and session configuration
	amqpURL := config.RequireEnv("AMQP_URL")
	filterMode := config.GetEnv("TRACE_FILTER_MODE", "all")
	filterName := config.GetEnv("TRACE_FILTER_NAME", "")
	gracePeriod := time.Duration(config.GetEnvInt("GRACE_PERIOD_SECONDS", 5)) * time.Second

	pattern := trace.FilterPattern(filterMode, filterName)
	source := trace.NewSource(amqpURL, pattern, logger)

	// Initialize WebSocket hub and session coordinator
	hub := websocket.NewHub(logger, serviceMetrics)

	coordinator := session.NewCoordinator(session.Config{
		Source:      source,
		Sink:        hub,
		GracePeriod: gracePeriod,
		Logger:      logger,
		Transitions: serviceMetrics.SessionTransitions,
		Durations:   serviceMetrics.BrokerDuration,
	})
	hub.SetSession(coordinator)

	source.SetHandlers(func(event trace.Event) {
		serviceMetrics.TraceMessages.WithLabelValues(string(event.Action), "ok").Inc()
		hub.BroadcastTrace(event)
	}, coordinator.SourceError)

	go hub.Run()

	// Add health checks
	healthChecker.AddCheck("amqp", monitoring.AMQPHealthCheck(func() monitoring.BrokerConnection {
		if conn := source.Connection(); conn != nil {
			return conn
		}
		return nil
	}))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"AMQP_URL": amqpURL,
	}))

	// Initialize handlers
	spyglassHandlers := handlers.NewSpyglassHandlers(hub, coordinator, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "spyglass", healthChecker, metricsCollector)

	// Viewer and API routes
	router.GET("/ws", spyglassHandlers.HandleWebSocket)
	api := router.Group("/api")
	api.GET("/status", spyglassHandlers.HandleStatus)
	api.POST("/monitor/start", spyglassHandlers.HandleMonitorStart)
	api.POST("/monitor/stop", spyglassHandlers.HandleMonitorStop)
	router.NoRoute(spyglassHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("spyglass", "18044")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	// Best-effort broker teardown on shutdown
	if err := source.Stop(); err != nil {
		logger.WithError(err).Warn("Trace source teardown failed")
	}
}
