package models

import "time"

// SystemMetrics is a point-in-time summary of request, cache and saga counters.
type SystemMetrics struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	SagasCommitted           uint64    `json:"sagas_committed"`
	SagasCompensated         uint64    `json:"sagas_compensated"`
	SagasAborted             uint64    `json:"sagas_aborted"`
	SagasInFlight            int64     `json:"sagas_in_flight"`
	CompensationFailures     uint64    `json:"compensation_failures"`
	RecoveredSagas           uint64    `json:"recovered_sagas"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
