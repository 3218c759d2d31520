package domain

// DecisionStats: сводка журнала решений для дашборда консоли.
type DecisionStats struct {
	Total      int64            `json:"total"`
	Allowed    int64            `json:"allowed"`
	Denied     int64            `json:"denied"`
	Errors     int64            `json:"errors"` // дедлайны и прочие сбои
	DenyRatio  float64          `json:"deny_ratio"`
	P95Latency float64          `json:"p95_latency_ms"`
	TopRules   map[string]int64 `json:"top_rules"`
	Hourly     []ActivityPoint  `json:"hourly_activity"`
}

type ActivityPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}
