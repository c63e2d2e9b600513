// kdebug is a maintainer diagnostic binary, not a user-facing syscall
// surface: it boots the simulated physical memory, runs a scripted
// clone/fork/COW scenario, and prints frame/VMAR state.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vmkernel/arch"
	"vmkernel/clone"
	"vmkernel/config"
	"vmkernel/klog"
	"vmkernel/mem"
	"vmkernel/pagetable"
	"vmkernel/ucontext"
	"vmkernel/vmar"
)

var log = klog.For("kdebug")

type rootOpts struct {
	configPath string
	pages      int
	rlimitAS   uint64
	verbose    bool
}

func main() {
	var o rootOpts

	root := &cobra.Command{
		Use:   "kdebug",
		Short: "Boot the simulated kernel memory subsystem and run a scripted fork/COW scenario",
		Long: `kdebug boots a simulated physical memory arena, maps an anonymous page into
a fresh VMAR, clones a child process with COW semantics, takes a write fault
in the child, and prints the resulting frame/VMAR state.

This is an internal diagnostic tool. It does not implement or expose a
user-facing syscall interface.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}

	root.Flags().StringVar(&o.configPath, "config", "", "path to a YAML boot-config overlay (default: built-in defaults)")
	root.Flags().IntVar(&o.pages, "pages", 4096, "number of pages in the simulated physical arena")
	root.Flags().Uint64Var(&o.rlimitAS, "rlimit-as", 64<<20, "RLIMIT_AS in bytes for the scripted VMAR")
	root.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("kdebug run failed")
		os.Exit(1)
	}
}

func run(o rootOpts) error {
	if o.verbose {
		klog.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	pm, err := mem.New(o.pages)
	if err != nil {
		return fmt.Errorf("boot physmem: %w", err)
	}
	defer pm.Close()
	mem.Physmem = pm

	a := arch.NewSoft(cfg.ConfidentialVM, 0)
	window := arch.VRange{Start: 0, End: 1 << 40}

	parentVm, err := vmar.New(cfg, a, pm, window, o.rlimitAS)
	if err != nil {
		return fmt.Errorf("create parent vmar: %w", err)
	}

	ps := uintptr(cfg.PageSize())
	va := ps

	f, ok := mem.AllocFrame(pm, true)
	if !ok {
		return fmt.Errorf("allocate anonymous frame: out of memory")
	}
	if err := parentVm.MapFrame(va, f.Share(), pagetable.Prop{Writable: true, Readable: true}); err != nil {
		return fmt.Errorf("map anonymous frame: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tFILE RSS\tANON RSS\tTOTAL VM")
	printVmarRow(tw, "parent: after map", parentVm)

	parentProc := &clone.ProcessBuilder{
		Pid:     1,
		Vm:      vmar.NewProcessVm(parentVm, 0x10000000),
		Files:   clone.NewFileTable(),
		Fs:      &clone.FsResolver{Root: "/", Cwd: "/"},
		SigHand: clone.NewSignalDispositions(),
		SysVSem: clone.NewSysVSemUndo(),
		Creds:   clone.Credentials{UID: 0, GID: 0},
	}
	parentThread := &clone.PosixThread{Tid: 1, Process: parentProc, Ctx: ucontext.New()}

	um := demoUserMemory{}
	tid, err := clone.CloneChild(parentThread, clone.CloneArgs{}, um)
	if err != nil {
		return fmt.Errorf("clone child process: %w", err)
	}
	children := parentProc.Children()
	if len(children) == 0 {
		return fmt.Errorf("clone did not register child process %d", tid)
	}
	childProc := children[len(children)-1]

	printVmarRow(tw, "child: after fork", childProc.Vm.Vmar())

	if err := childProc.Vm.Vmar().PageFault(va, true); err != nil {
		return fmt.Errorf("child COW write fault: %w", err)
	}
	printVmarRow(tw, "child: after COW write fault", childProc.Vm.Vmar())
	printVmarRow(tw, "parent: unaffected by child COW", parentVm)

	tw.Flush()
	return nil
}

func printVmarRow(tw *tabwriter.Writer, stage string, v *vmar.Vmar) {
	filePages, anonPages := v.RSS()
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", stage, filePages, anonPages, v.TotalVm())
}

type demoUserMemory struct{}

func (demoUserMemory) WriteU64(addr uintptr, val uint64) error { return nil }
