package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

const (
	ActiveConnections   = "NumActiveConnections"
	OnlineUsers         = "NumOnlineUsers"
	ActiveRooms         = "NumActiveRooms"
	DroppedEvents       = "NumDroppedEvents"
	PersistenceFailures = "NumPersistenceFailures"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater keeps the process metrics in an expvar map. Updates are
// applied atomically on the caller's goroutine.
type StatsUpdater struct {
	vars *expvar.Map
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a stats updater and mounts its handler on
// GET /debug/vars. The map is not published globally so that several
// updaters can coexist in one process.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars: new(expvar.Map).Init(),
	}
	if mux != nil {
		mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	for _, name := range []string{ActiveConnections, OnlineUsers, ActiveRooms, DroppedEvents, PersistenceFailures} {
		su.RegisterMetric(name)
	}
}

// Incr adds one to name, creating the metric on first use.
func (su *StatsUpdater) Incr(name string) {
	su.vars.Add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.vars.Add(name, -1)
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) == nil {
		su.vars.Set(name, new(expvar.Int))
	}
}

// Value returns the current value of an integer metric.
func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}

	return 0
}
