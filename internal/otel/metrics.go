package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the queue's instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	TasksStarted    metric.Int64Counter
	TasksSucceeded  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TaskRetries     metric.Int64Counter
	Interruptions   metric.Int64Counter
	RunningTasks    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("turnstile.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("turnstile.task.duration",
		metric.WithDescription("Task body execution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksStarted, "turnstile.task.started", "Task dispatches"},
		{&m.TasksSucceeded, "turnstile.task.succeeded", "Tasks completed successfully"},
		{&m.TasksFailed, "turnstile.task.failed", "Tasks that reached FAILED"},
		{&m.TaskRetries, "turnstile.task.retries", "Automatic and manual retries"},
		{&m.Interruptions, "turnstile.task.interruptions", "Runs stopped because a condition was lost"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.RunningTasks, err = meter.Int64UpDownCounter("turnstile.task.running",
		metric.WithDescription("Tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
