// Package monitoring routes unexpected errors and panics to the configured
// error monitor.
package monitoring

import (
	"fmt"
	"time"
)

// Monitor defines methods used for error reporting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	CapturePanic(v any, tags map[string]string)
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) CapturePanic(any, map[string]string)       {}
func (NopMonitor) Flush(time.Duration)                       {}

var current Monitor = NopMonitor{}

// Init sets the global monitor implementation. Call it before starting
// goroutines that report errors.
func Init(m Monitor) {
	if m != nil {
		current = m
	}
}

// CaptureException records the error with optional tags.
func CaptureException(err error, tags map[string]string) {
	if err != nil {
		current.CaptureException(err, tags)
	}
}

// Recover reports a panic and panics again. It must be deferred directly:
//
//	defer monitoring.Recover()
func Recover() {
	if r := recover(); r != nil {
		current.CapturePanic(r, nil)
		current.Flush(2 * time.Second)
		panic(r)
	}
}

// Contain reports a panic of a background loop and swallows it. It must be
// deferred directly. When errp is not nil the panic is stored in it.
func Contain(component string, errp *error) {
	if r := recover(); r != nil {
		current.CapturePanic(r, map[string]string{"component": component})
		if errp != nil {
			*errp = fmt.Errorf("%s panicked: %v", component, r)
		}
	}
}

// Flush flushes buffered events.
func Flush(d time.Duration) {
	current.Flush(d)
}
