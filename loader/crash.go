package loader

import "github.com/aejsmith/kboot-sub001/loader/klog"

var (
	// haltFn is mocked by tests; on a real platform it parks the CPU (or
	// triggers a firmware reset) and never returns.
	haltFn = func() {
		for {
		}
	}
)

// SetHaltFn registers the platform halt hook invoked by Crash after the
// crash banner has been written out.
func SetHaltFn(halt func()) {
	haltFn = halt
}

// Crash reports an internal error: an invariant violation (double free,
// corrupted range list, impossible architecture state) after which the
// loader's own bookkeeping cannot be trusted. It writes a banner describing
// the error and halts; it never returns to the caller. External conditions
// must be reported as boot errors instead, Crash is reserved for bugs.
func Crash(err *Error) {
	klog.Printf("\n----------------------------------\n")
	if err != nil {
		klog.Printf("[%s] internal error: %s\n", err.Module, err.Message)
	}
	klog.Printf("*** boot loader halted ***")
	klog.Printf("\n----------------------------------\n")

	haltFn()
}
