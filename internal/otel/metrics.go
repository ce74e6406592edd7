package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Strand metric instruments.
type Metrics struct {
	EventsApplied      metric.Int64Counter
	FramesDropped      metric.Int64Counter
	CorrelationMisses  metric.Int64Counter
	Reconnects         metric.Int64Counter
	OpenSessions       metric.Int64UpDownCounter
	PermissionsPending metric.Int64UpDownCounter
	TokensObserved     metric.Int64Counter
	ReconcileDuration  metric.Float64Histogram
	ReconcileReplaces  metric.Int64Counter
	HistoryFetchErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsApplied, err = meter.Int64Counter("strand.events.applied",
		metric.WithDescription("Protocol events folded into the conversation model"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDropped, err = meter.Int64Counter("strand.frames.dropped",
		metric.WithDescription("Inbound frames discarded as malformed or unknown"),
	)
	if err != nil {
		return nil, err
	}

	m.CorrelationMisses, err = meter.Int64Counter("strand.toolcalls.misses",
		metric.WithDescription("Tool results dropped without a matching call"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("strand.session.reconnects",
		metric.WithDescription("Transport reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.OpenSessions, err = meter.Int64UpDownCounter("strand.session.open",
		metric.WithDescription("Currently connected transport sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionsPending, err = meter.Int64UpDownCounter("strand.permissions.pending",
		metric.WithDescription("Permission requests awaiting a decision"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensObserved, err = meter.Int64Counter("strand.tokens.observed",
		metric.WithDescription("Token usage reported by the agent"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileDuration, err = meter.Float64Histogram("strand.reconcile.duration",
		metric.WithDescription("History reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileReplaces, err = meter.Int64Counter("strand.reconcile.replaces",
		metric.WithDescription("Turn-list replacements applied by reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.HistoryFetchErrors, err = meter.Int64Counter("strand.history.fetch_errors",
		metric.WithDescription("Failed canonical history fetches"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
