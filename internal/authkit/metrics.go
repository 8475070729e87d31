package authkit

import "sync"

// MetricsRecorder increments counters for session authority events.
type MetricsRecorder interface {
	Increment(event string)
}

// Event names recorded by the session authority.
const (
	MetricRegisterSuccess     = "register.success"
	MetricRegisterDuplicate   = "register.duplicate_user"
	MetricLoginSuccess        = "login.success"
	MetricLoginRejected       = "login.invalid_credentials"
	MetricRefreshSuccess      = "refresh.success"
	MetricRefreshRejected     = "refresh.invalid_token"
	MetricLogoutSuccess       = "logout.success"
	MetricForgotPassword      = "forgot_password.requested"
	MetricResetSuccess        = "reset_password.success"
	MetricResetRejected       = "reset_password.invalid_token"
	MetricPasswordChanged     = "change_password.success"
	MetricPasswordChangeWrong = "change_password.incorrect_current"
	MetricAccountDeleted      = "account.deleted"
)

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// nopMetrics is used when no recorder is provided.
type nopMetrics struct{}

func (nopMetrics) Increment(event string) {}
