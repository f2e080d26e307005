package orchestrator

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/johndauphine/martbuild/internal/dbconfig"
)

// DatabaseCheck is the outcome of pinging one configured database.
type DatabaseCheck struct {
	Configured bool   `json:"configured"`
	Type       string `json:"type,omitempty"`
	Connected  bool   `json:"connected"`
	Error      string `json:"error,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// HealthCheckResult reports connectivity of everything a compile run touches.
type HealthCheckResult struct {
	Timestamp  string        `json:"timestamp"`
	Target     DatabaseCheck `json:"target"`
	Partitions DatabaseCheck `json:"partitions"`
	History    DatabaseCheck `json:"history"`
	DataSets   int           `json:"datasets"`
	Healthy    bool          `json:"healthy"`
}

// HealthCheck pings the target, partitions and history databases.
// Checks run in parallel, each with its own timeout, so one slow connection
// cannot exhaust the budget of another.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
		DataSets:  len(o.model.DataSets),
	}

	const checkTimeout = 30 * time.Second

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		result.Target = o.checkConnection(ctx, &o.config.Target.Connection, o.targetDB, checkTimeout)
	}()

	go func() {
		defer wg.Done()
		result.Partitions = o.checkConnection(ctx, &o.config.Partitions.Connection, o.openedPartitions(), checkTimeout)
	}()

	go func() {
		defer wg.Done()
		result.History = DatabaseCheck{Configured: o.config.HistoryEnabled(), Type: "sqlite"}
		if !result.History.Configured {
			return
		}
		start := time.Now()
		if _, err := o.historyStore(ctx); err != nil {
			result.History.Error = err.Error()
		} else {
			result.History.Connected = true
		}
		result.History.LatencyMs = time.Since(start).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = healthy(result.Target) && healthy(result.Partitions) && healthy(result.History)
	return result, nil
}

// checkConnection pings db, opening the connection first when the
// orchestrator has not done so yet.
func (o *Orchestrator) checkConnection(ctx context.Context, conn *dbconfig.Connection, db *sql.DB, timeout time.Duration) DatabaseCheck {
	check := DatabaseCheck{Configured: conn.IsSet(), Type: conn.Type}
	if !check.Configured {
		return check
	}

	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	if db != nil {
		err = db.PingContext(checkCtx)
	} else {
		db, err = conn.Open(checkCtx)
		if err == nil {
			db.Close()
		}
	}
	if err != nil {
		check.Error = err.Error()
	} else {
		check.Connected = true
	}
	check.LatencyMs = time.Since(start).Milliseconds()
	return check
}

func healthy(c DatabaseCheck) bool {
	return !c.Configured || c.Connected
}
