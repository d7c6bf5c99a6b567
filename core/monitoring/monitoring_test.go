package monitoring

import (
	"errors"
	"testing"
	"time"
)

type fakeMonitor struct {
	errs    []error
	panics  []any
	tags    []map[string]string
	flushed bool
}

func (f *fakeMonitor) CaptureException(err error, tags map[string]string) {
	f.errs = append(f.errs, err)
	f.tags = append(f.tags, tags)
}

func (f *fakeMonitor) CapturePanic(v any, tags map[string]string) {
	f.panics = append(f.panics, v)
	f.tags = append(f.tags, tags)
}

func (f *fakeMonitor) Flush(time.Duration) { f.flushed = true }

func install(t *testing.T) *fakeMonitor {
	t.Helper()
	prev := current
	f := &fakeMonitor{}
	Init(f)
	t.Cleanup(func() { current = prev })
	return f
}

func TestCaptureException(t *testing.T) {
	f := install(t)
	CaptureException(nil, nil)
	CaptureException(errors.New("boom"), map[string]string{"k": "v"})
	if len(f.errs) != 1 || f.tags[0]["k"] != "v" {
		t.Fatalf("unexpected captures: %+v", f.errs)
	}
}

func TestRecoverRepanics(t *testing.T) {
	f := install(t)
	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("expected re-panic, got %v", r)
		}
		if len(f.panics) != 1 || !f.flushed {
			t.Fatalf("panic not reported")
		}
	}()
	func() {
		defer Recover()
		panic("boom")
	}()
}

func TestContain(t *testing.T) {
	f := install(t)
	var err error
	func() {
		defer Contain("sampler", &err)
		panic("bad sample")
	}()
	if err == nil {
		t.Fatalf("expected error from contained panic")
	}
	if len(f.panics) != 1 || f.tags[0]["component"] != "sampler" {
		t.Fatalf("panic not reported with component tag")
	}
}

func TestInitIgnoresNil(t *testing.T) {
	f := install(t)
	Init(nil)
	if current != Monitor(f) {
		t.Fatalf("nil monitor replaced current")
	}
}
