// Command monitor boots a Linux kernel in real mode under KVM: a minimal
// virtual-machine monitor with a single vCPU, an 8250 UART, and an optional
// legacy virtio-blk device behind a type-1 PCI config space.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cavaliergopher/cpio"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/kvmlite/kvmlite/monitor"
)

const minMemMiB = 64

func main() {
	os.Exit(run())
}

func run() int {
	var (
		kernelPath = flag.String("kernel", "", "path to bzImage or flat binary (required)")
		imagePath  = flag.String("image", "", "backing disk image for virtio-blk")
		initrdPath = flag.String("initrd", "", "initial ramdisk path")
		params     = flag.String("params", "", "extra kernel command-line")
		kvmDev     = flag.String("kvm-dev", "/dev/kvm", "hypervisor device path")
		memMiB     = flag.Int("mem", minMemMiB, "guest RAM in MiB (must be >= 64)")
		singleStep = flag.Bool("single-step", false, "request debug exits on every instruction")
		ioPortDbg  = flag.Bool("ioport-debug", false, "verbose I/O logging")
	)

	flag.Parse()

	if *kernelPath == "" {
		if args := flag.Args(); len(args) > 0 {
			*kernelPath = args[0]
		}
	}

	if *kernelPath == "" {
		fmt.Fprintln(os.Stderr, "monitor: missing kernel image (--kernel or positional path)")
		return 1
	}

	if *memMiB < minMemMiB {
		fmt.Fprintf(os.Stderr, "monitor: --mem must be >= %d MiB, got %d\n", minMemMiB, *memMiB)
		return 1
	}

	ceilingMiB, err := hostRAMCeilingMiB()
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: probe host memory: %v\n", err)
		return 1
	}

	if uint64(*memMiB) > ceilingMiB {
		fmt.Fprintf(os.Stderr, "monitor: --mem=%d MiB exceeds host RAM (%d MiB)\n", *memMiB, ceilingMiB)
		return 1
	}

	kernel, err := os.Open(*kernelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: open kernel: %v\n", err)
		return 1
	}
	defer kernel.Close()

	cmdline := *params

	var image *os.File
	var imageSize int64

	if *imagePath != "" {
		image, err = os.OpenFile(*imagePath, os.O_RDWR, 0)
		if err != nil {
			image, err = os.Open(*imagePath)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "monitor: open image: %v\n", err)
			return 1
		}
		defer image.Close()

		fi, err := image.Stat()
		if err != nil {
			fmt.Fprintf(os.Stderr, "monitor: stat image: %v\n", err)
			return 1
		}
		imageSize = fi.Size()
	}

	if *initrdPath != "" {
		logInitrd(*initrdPath, *ioPortDbg)
	}

	cfg := monitor.Config{
		KVMDevPath:  *kvmDev,
		MemSize:     *memMiB << 20,
		Kernel:      kernel,
		Cmdline:     cmdline,
		Console:     os.Stdout,
		Diag:        os.Stderr,
		IOPortDebug: *ioPortDbg,
		SingleStep:  *singleStep,
	}

	if image != nil {
		cfg.Image = image
		cfg.ImageSize = imageSize
		cfg.ImageWriter = image
	}

	m, err := monitor.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	defer m.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "monitor: raw mode: %v\n", err)
			return 1
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan struct{})
	defer close(quit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	var sigquit atomic.Bool

	go func() {
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case os.Interrupt:
					cancel()
					return
				case syscall.SIGQUIT:
					sigquit.Store(true)
					m.Dump("SIGQUIT")
					cancel()
					return
				}
			case <-quit:
				return
			}
		}
	}()

	if err := m.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}

	if sigquit.Load() {
		return 1
	}

	return 0
}

// hostRAMCeilingMiB reports the host's total RAM, the sanity ceiling
// imposed on --mem per spec.md §9's open question about an unbounded
// guest memory size.
func hostRAMCeilingMiB() (uint64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}

	return (si.Totalram * uint64(si.Unit)) >> 20, nil
}

// logInitrd walks the initrd cpio archive far enough to report its entry
// count and total size when --ioport-debug is set. The real-mode boot
// path here never wires an initrd into guest memory (the boot protocol
// fields for it are out of scope), so this is diagnostic-only.
func logInitrd(path string, verbose bool) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: open initrd: %v\n", err)
		return
	}
	defer f.Close()

	if !verbose {
		return
	}

	r := cpio.NewReader(f)

	var entries int
	var total int64

	for {
		hdr, err := r.Next()
		if err != nil {
			break
		}

		entries++
		total += hdr.Size
	}

	slog.Info("initrd", "path", path, "entries", entries, "bytes", total)
}
