package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/devices"
	"github.com/kvmlite/kvmlite/kvm"
)

// tickInterval is how often the periodic timer interrupts KVM_RUN to give
// the UART a chance to raise its line. 1ms matches the original's POSIX
// timer_create-based ticker.
const tickInterval = 1_000_000 // nanoseconds

// Run drives the vCPU until ctx is canceled or a fatal condition is hit. A
// canceled context produces a nil error (clean shutdown, per spec). A
// guest shutdown or any other unhandled exit reason is fatal and has
// already been logged to Diag along with a register/code/page-table dump;
// a failure to arm the timer or of the KVM_RUN ioctl itself is returned
// without a dump.
func (m *Monitor) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var stopping atomic.Bool

	// SIGALRM's only job is to knock the blocking KVM_RUN ioctl loose with
	// EINTR; Go only does that for signals it has actually caught; left at
	// its OS default disposition, SIGALRM would terminate the process on
	// the first tick. The original arms an empty sigaction handler for the
	// same reason (see original_source/main.c's alarm_handler).
	alarmCh := make(chan os.Signal, 1)
	signal.Notify(alarmCh, syscall.SIGALRM)
	defer signal.Stop(alarmCh)

	timerID, err := armTimer()
	if err != nil {
		return fmt.Errorf("monitor: arm timer: %w", err)
	}
	defer disarmTimer(timerID)

	tid := unix.Gettid()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			stopping.Store(true)
			m.state.ImmediateExit = 1
			unix.Tgkill(unix.Getpid(), tid, unix.SIGALRM)
		case <-done:
		}
	}()

	for {
		err := kvm.Run(m.vcpu)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				if stopping.Load() {
					m.state.ImmediateExit = 0
					return nil
				}

				// The kernel sets exit_reason to KVM_EXIT_INTR and returns
				// EINTR from the ioctl itself whenever a signal interrupts
				// KVM_RUN; that's every periodic tick this loop sees, since
				// nothing else ever signals this thread. The run area is
				// still valid to read here even though the ioctl errored.
				if m.state.ExitReason == kvm.ExitIntr {
					m.tickUART()
				}

				continue
			}

			return fmt.Errorf("monitor: kvm_run: %w", err)
		}

		switch m.state.ExitReason {
		case kvm.ExitIO:
			if !m.handleIO() {
				return m.fatal("io handler failed")
			}

		case kvm.ExitMMIO:
			if !m.handleMMIO() {
				return m.fatal("mmio handler failed")
			}

		case kvm.ExitDebug:
			m.dumpState("single-step")

		case kvm.ExitIntr:
			m.tickUART()

		case kvm.ExitHLT:
			// Nothing to do: the next KVM_RUN resumes past the HLT once an
			// interrupt is pending, exactly like real hardware.

		default:
			return m.fatal(fmt.Sprintf("unexpected exit reason: %s", m.state.ExitReason))
		}
	}
}

// tickUART raises the UART's interrupt line if it has one pending. It's
// called from both the EINTR-with-KVM_EXIT_INTR path (the one KVM_RUN
// actually takes on a timer tick) and the switch's ExitIntr arm, kept for
// the case a KVM_RUN reports that exit reason without an accompanying
// EINTR.
func (m *Monitor) tickUART() {
	if err := m.uart.Tick(); err != nil {
		slog.Error("uart tick", "err", err)
	}
}

func (m *Monitor) handleIO() bool {
	io := m.state.IOExitData()
	data := m.runArea[io.Offset : io.Offset+uint64(io.Size)*uint64(io.Count)]

	dir := devices.In
	if io.IsOut {
		dir = devices.Out
	}

	if m.ioPortDebug {
		fmt.Fprintf(m.diag, "io: port=%#x dir=%v size=%d count=%d\n", io.Port, dir, io.Size, io.Count)
	}

	return m.ports.Emulate(io.Port, data, dir, int(io.Size), int(io.Count))
}

func (m *Monitor) handleMMIO() bool {
	mmio := m.state.MMIOExitData()
	data := mmio.Data[:mmio.Len]

	return m.mmio.Emulate(mmio.PhysAddr, data, mmio.IsWrite)
}

// fatal logs a diagnostic dump and returns the error Run should return.
// Every fatal exit reason in Run funnels through here so spec.md §7's dump
// happens exactly once, regardless of which exit reason triggered it.
func (m *Monitor) fatal(reason string) error {
	m.dumpState(reason)
	return fmt.Errorf("monitor: fatal: %s", reason)
}

// armTimer creates and starts a periodic POSIX timer that delivers
// SIGALRM every tickInterval nanoseconds, the signal whose only job is to
// make the blocking KVM_RUN ioctl return EINTR with exit_reason
// KVM_EXIT_INTR, which the run loop answers with a UART tick. Shutdown does
// not wait for it: the cancellation goroutine signals the thread itself.
func armTimer() (uintptr, error) {
	var timerID uintptr

	sev := unix.Sigevent{
		Notify: unix.SIGEV_SIGNAL,
		Signo:  int32(unix.SIGALRM),
	}

	if err := unix.TimerCreate(unix.CLOCK_MONOTONIC, &sev, &timerID); err != nil {
		return 0, err
	}

	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(tickInterval),
		Value:    unix.NsecToTimespec(tickInterval),
	}

	if err := unix.TimerSettime(timerID, 0, &spec, nil); err != nil {
		unix.TimerDelete(timerID)
		return 0, err
	}

	return timerID, nil
}

func disarmTimer(id uintptr) {
	unix.TimerDelete(id)
}
