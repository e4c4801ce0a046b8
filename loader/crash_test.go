package loader

import (
	"bytes"
	"testing"

	"github.com/aejsmith/kboot-sub001/loader/klog"
)

func TestCrash(t *testing.T) {
	defer func() {
		haltFn = func() {
			for {
			}
		}
		klog.SetOutputSink(nil)
	}()

	var haltCalled bool
	haltFn = func() {
		haltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		haltCalled = false
		var buf bytes.Buffer
		klog.SetOutputSink(&buf)

		Crash(&Error{Module: "test", Message: "crash test"})

		exp := "\n----------------------------------\n[test] internal error: crash test\n*** boot loader halted ***\n----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected the halt hook to be called by Crash")
		}
	})

	t.Run("without error", func(t *testing.T) {
		haltCalled = false
		var buf bytes.Buffer
		klog.SetOutputSink(&buf)

		Crash(nil)

		exp := "\n----------------------------------\n*** boot loader halted ***\n----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected the halt hook to be called by Crash")
		}
	})

	t.Run("SetHaltFn", func(t *testing.T) {
		called := false
		SetHaltFn(func() { called = true })
		var buf bytes.Buffer
		klog.SetOutputSink(&buf)

		Crash(nil)

		if !called {
			t.Fatal("expected the registered halt hook to be called")
		}
	})
}
