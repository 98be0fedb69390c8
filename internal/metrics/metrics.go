// Package metrics keeps process-wide relay counters. Every counter exists
// twice: as an atomic used for the JSON status snapshot and as a Prometheus
// collector registered in Registry.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Snapshot struct {
	SessionsTotal    int64            `json:"sessions_total"`
	SessionsActive   int64            `json:"sessions_active"`
	SessionErrors    int64            `json:"session_errors"`
	HandoffFailures  int64            `json:"handoff_failures"`
	AcceptRetries    int64            `json:"accept_retries"`
	MessagesToServer int64            `json:"messages_to_server"`
	MessagesToClient int64            `json:"messages_to_client"`
	BytesToServer    int64            `json:"bytes_to_server"`
	BytesToClient    int64            `json:"bytes_to_client"`
	FdsForwarded     int64            `json:"fds_forwarded"`
	FdsClosed        int64            `json:"fds_closed"`
	HookDropped      int64            `json:"hook_dropped"`
	HookInjected     int64            `json:"hook_injected"`
	CaptureDropped   int64            `json:"capture_dropped"`
	ErrorKinds       map[string]int64 `json:"session_errors_by_kind,omitempty"`
	UpdatedUnix      int64            `json:"updated_unix"`
}

// Registry holds the Prometheus collectors of this package plus the Go
// runtime and process collectors.
var Registry = prometheus.NewRegistry()

var (
	sessionsTotal    atomic.Int64
	sessionsActive   atomic.Int64
	sessionErrors    atomic.Int64
	handoffFailures  atomic.Int64
	acceptRetries    atomic.Int64
	messagesToServer atomic.Int64
	messagesToClient atomic.Int64
	bytesToServer    atomic.Int64
	bytesToClient    atomic.Int64
	fdsForwarded     atomic.Int64
	fdsClosed        atomic.Int64
	hookDropped      atomic.Int64
	hookInjected     atomic.Int64
	captureDropped   atomic.Int64
	errorKinds       sync.Map // kind -> *atomic.Int64
)

var (
	factory = promauto.With(Registry)

	promSessions = factory.NewCounter(prometheus.CounterOpts{
		Name: "wlrelay_sessions_total",
		Help: "Sessions started.",
	})
	promSessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "wlrelay_sessions_active",
		Help: "Sessions currently relaying.",
	})
	promHandoffFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "wlrelay_handoff_failures_total",
		Help: "Accepted clients closed because the compositor could not be reached.",
	})
	promAcceptRetries = factory.NewCounter(prometheus.CounterOpts{
		Name: "wlrelay_accept_retries_total",
		Help: "Temporary accept errors retried after a backoff.",
	})
	promMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wlrelay_messages_total",
		Help: "Messages written, by destination side.",
	}, []string{"to"})
	promBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wlrelay_bytes_total",
		Help: "Bytes written, by destination side.",
	}, []string{"to"})
	promFds = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wlrelay_fds_total",
		Help: "File descriptors leaving a session, by outcome.",
	}, []string{"outcome"})
	promHook = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wlrelay_hook_messages_total",
		Help: "Messages dropped or injected by hooks.",
	}, []string{"action"})
	promSessionErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wlrelay_session_errors_total",
		Help: "Sessions ended by an error, by error kind.",
	}, []string{"kind"})
	promCaptureDropped = factory.NewCounter(prometheus.CounterOpts{
		Name: "wlrelay_capture_dropped_total",
		Help: "Capture records dropped because the writer fell behind.",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func IncSessions() {
	sessionsTotal.Add(1)
	sessionsActive.Add(1)
	promSessions.Inc()
	promSessionsActive.Inc()
}

func DecSessions() {
	sessionsActive.Add(-1)
	promSessionsActive.Dec()
}

func IncHandoffFailures() {
	handoffFailures.Add(1)
	promHandoffFailures.Inc()
}

func IncAcceptRetries() {
	acceptRetries.Add(1)
	promAcceptRetries.Inc()
}

// IncSessionError records a session that ended with an error of kind.
func IncSessionError(kind string) {
	sessionErrors.Add(1)
	v, _ := errorKinds.LoadOrStore(kind, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
	promSessionErrors.WithLabelValues(kind).Inc()
}

// AddWritten records messages and bytes written toward the client when
// toClient is set, toward the compositor otherwise.
func AddWritten(toClient bool, messages, bytes int64) {
	if messages <= 0 && bytes <= 0 {
		return
	}
	label := "server"
	if toClient {
		messagesToClient.Add(messages)
		bytesToClient.Add(bytes)
		label = "client"
	} else {
		messagesToServer.Add(messages)
		bytesToServer.Add(bytes)
	}
	promMessages.WithLabelValues(label).Add(float64(messages))
	promBytes.WithLabelValues(label).Add(float64(bytes))
}

func AddFdsForwarded(n int64) {
	if n > 0 {
		fdsForwarded.Add(n)
		promFds.WithLabelValues("forwarded").Add(float64(n))
	}
}

func AddFdsClosed(n int64) {
	if n > 0 {
		fdsClosed.Add(n)
		promFds.WithLabelValues("closed").Add(float64(n))
	}
}

func AddHookDropped(n int64) {
	if n > 0 {
		hookDropped.Add(n)
		promHook.WithLabelValues("drop").Add(float64(n))
	}
}

func AddHookInjected(n int64) {
	if n > 0 {
		hookInjected.Add(n)
		promHook.WithLabelValues("inject").Add(float64(n))
	}
}

func IncCaptureDropped() {
	captureDropped.Add(1)
	promCaptureDropped.Inc()
}

func GetSessionsActive() int64 { return sessionsActive.Load() }

func SnapshotData() Snapshot {
	kinds := make(map[string]int64)
	errorKinds.Range(func(k, v any) bool {
		kinds[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return Snapshot{
		SessionsTotal:    sessionsTotal.Load(),
		SessionsActive:   sessionsActive.Load(),
		SessionErrors:    sessionErrors.Load(),
		HandoffFailures:  handoffFailures.Load(),
		AcceptRetries:    acceptRetries.Load(),
		MessagesToServer: messagesToServer.Load(),
		MessagesToClient: messagesToClient.Load(),
		BytesToServer:    bytesToServer.Load(),
		BytesToClient:    bytesToClient.Load(),
		FdsForwarded:     fdsForwarded.Load(),
		FdsClosed:        fdsClosed.Load(),
		HookDropped:      hookDropped.Load(),
		HookInjected:     hookInjected.Load(),
		CaptureDropped:   captureDropped.Load(),
		ErrorKinds:       kinds,
		UpdatedUnix:      time.Now().Unix(),
	}
}

// SessionInfo describes one live session for the status API.
type SessionInfo struct {
	ID        uint64 `json:"id"`
	ClientPID int32  `json:"client_pid,omitempty"`
	Upstream  string `json:"upstream"`
	Started   string `json:"started"`
	State     string `json:"state"`

	// StateFunc, when set, refreshes State on every read.
	StateFunc func() string `json:"-"`
}

var sessionInfo sync.Map // id -> *SessionInfo

func SetSessionInfo(id uint64, info *SessionInfo) {
	sessionInfo.Store(id, info)
}

func RemoveSessionInfo(id uint64) {
	sessionInfo.Delete(id)
}

// GetSessionInfos returns all session information ordered by id.
func GetSessionInfos() []SessionInfo {
	var result []SessionInfo
	sessionInfo.Range(func(k, v any) bool {
		info := *v.(*SessionInfo)
		if info.StateFunc != nil {
			info.State = info.StateFunc()
		}
		result = append(result, info)
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
