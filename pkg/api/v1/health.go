package v1

// BreakerInfo is the read-only projection of one circuit breaker key.
type BreakerInfo struct {
	Key          string `json:"key"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
	OpenedAtMS   int64  `json:"opened_at_ms,omitempty"`
	CooldownMS   int64  `json:"cooldown_ms"`
}

// QueueStatus is the dashboard projection of the scheduler.
type QueueStatus struct {
	Queued  int `json:"queued"`
	Blocked int `json:"blocked"`
	Running int `json:"running"`
	Workers int `json:"workers"`
}

// SystemHealth is the dashboard projection emitted with core.health.report.
type SystemHealth struct {
	Healthy           bool          `json:"healthy"`
	Queue             QueueStatus   `json:"queue"`
	OpenBreakers      []BreakerInfo `json:"open_breakers,omitempty"`
	RecentFailureRate float64       `json:"recent_failure_rate"`
	StorageBytes      int64         `json:"storage_bytes"`
	StorageDegraded   bool          `json:"storage_degraded,omitempty"`
	Agents            int           `json:"agents"`
	UptimeMS          int64         `json:"uptime_ms"`
}
