// Command kcoreboot boots one instance of the core kernel runtime in
// a hosted process: it wires zpf/bud/slb up under a vmm address space,
// attaches dps swap, admits an init process and a forked child into
// sched/proc, lets the two processes exchange an async IPC message,
// then drives a few ticks of the scheduler. The boot sequence calls
// into each subsystem in dependency order before handing off to the
// first user program.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corekernel-os/corekernel/internal/bud"
	"github.com/corekernel-os/corekernel/internal/dps"
	"github.com/corekernel-os/corekernel/internal/ipc"
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/klog"
	"github.com/corekernel-os/corekernel/internal/ksys"
	"github.com/corekernel-os/corekernel/internal/proc"
	"github.com/corekernel-os/corekernel/internal/sched"
	"github.com/corekernel-os/corekernel/internal/vmm"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

const numCPUs = 2

func main() {
	kern := klog.New(256)
	kern.SetSink(func(line string) { fmt.Println(line) })

	ft := zpf.Init([]zpf.Region{
		{Kind: zpf.ZoneDMA, Pages: 256, ReservedPgs: 16},
		{Kind: zpf.ZoneNormal, Pages: 4096, ReservedPgs: 0},
	})
	bd := bud.New(ft)

	swapDir, err := os.MkdirTemp("", "kcoreboot-swap")
	if err != nil {
		kern.Logf(klog.Crit, "mkdtemp: %v", err)
		os.Exit(1)
	}
	defer os.RemoveAll(swapDir)

	swap := dps.NewManager()
	swap.SetPolicy(dps.PolicyClock)
	if _, err := swap.AddSwapFile(filepath.Join(swapDir, "swap0"), 0, 16); err != nil {
		kern.Logf(klog.Crit, "add swap file: %v", err)
		os.Exit(1)
	}
	sc := sched.New(numCPUs, sched.PolicyPriority)
	reg := ipc.NewRegistry()
	procs := proc.NewTable(sc, reg)
	ctx := ksys.NewContext(procs, reg)

	initAS, errc := vmm.New(bd, ft, 0x7f0000000000)
	if errc != kerr.SUCCESS {
		kern.Logf(klog.Crit, "new address space: %d", errc)
		os.Exit(1)
	}
	initAS.SetSwapper(swap)
	// under memory pressure, bud asks dps for a victim and dps asks the
	// owning address space to write it out and rewrite its PTE.
	bd.Reclaim = func(z *zpf.Zone) bool {
		return swap.Evict(initAS.EvictPage)
	}
	initProc := procs.Bootstrap("init", 200, initAS)
	ctx.InstallWriter(initProc, os.Stdout)

	addr, errc := initAS.Mmap(0, 4*zpf.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.FlagFixed, vmm.BackingAnon, 0)
	if errc != kerr.SUCCESS {
		kern.Logf(klog.Crit, "init mmap: %d", errc)
		os.Exit(1)
	}
	if errc := initAS.Fault(addr, true, true); errc != kerr.SUCCESS {
		kern.Logf(klog.Crit, "init minor fault: %d", errc)
		os.Exit(1)
	}
	kern.Logf(klog.Info, "init mapped %d pages at 0x%x", 4, addr)

	child, errc := procs.Fork(initProc)
	if errc != kerr.SUCCESS {
		kern.Logf(klog.Crit, "fork: %d", errc)
		os.Exit(1)
	}
	kern.Logf(klog.Info, "forked child pid=%d from parent pid=%d", child.Task.PID, initProc.Task.PID)

	// The child's own mailbox (registered automatically when it was
	// admitted) is the ipc_send_async target: no queue descriptor
	// changes hands, init addresses the child by pid alone.
	group, _ := errgroup.WithContext(context.Background())
	group.Go(func() error {
		msg, errc := child.Mailbox.Recv(false)
		if errc != kerr.SUCCESS {
			return fmt.Errorf("child recv: %d", errc)
		}
		kern.Logf(klog.Info, "child received %q from pid %d", string(msg.Payload), msg.SenderPID)
		return nil
	})
	group.Go(func() error {
		time.Sleep(time.Millisecond)
		return kerrAsError(ctx.IPCSendAsync(initProc, child.Task.PID, []byte("hello from init")))
	})
	if err := group.Wait(); err != nil {
		kern.Logf(klog.Crit, "ipc demo: %v", err)
		os.Exit(1)
	}

	for cpu := 0; cpu < numCPUs; cpu++ {
		sc.Dispatch(cpu)
	}
	for i := 0; i < 20; i++ {
		for cpu := 0; cpu < numCPUs; cpu++ {
			sc.Tick(cpu)
		}
	}

	procs.Exit(child, 7, 0)
	reaped, rusage, errc := procs.WaitPid(initProc, -1, false)
	if errc != kerr.SUCCESS {
		kern.Logf(klog.Crit, "waitpid: %d", errc)
		os.Exit(1)
	}
	kern.Logf(klog.Info, "reaped pid=%d status=%d user=%d.%06ds sys=%d.%06ds",
		reaped.Task.PID, reaped.ExitStatus, rusage.UserSec, rusage.UserUsec, rusage.SysSec, rusage.SysUsec)

	procs.Exit(initProc, 0, 0)
	kern.Logf(klog.Info, "boot demo complete")
}

func kerrAsError(e kerr.Err_t) error {
	if e == kerr.SUCCESS {
		return nil
	}
	return fmt.Errorf("kerr %d", e)
}
