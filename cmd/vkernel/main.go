// Command vkernel boots the simulated kernel core and drives the S1, S2,
// S5 and S6 scenarios from spec.md §8 end to end over a cobra-based CLI, the way a
// teacher-shaped demo binary exposes a long-running service's knobs as
// flags instead of editing source to try a different ring size.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/okernel/vkernel/bootcfg"
	"github.com/okernel/vkernel/kernel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := bootcfg.Default()
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:   "vkernel",
		Short: "Boot the capability-indexed io_uring-style kernel core and run its demo scenarios.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := bootcfg.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return runDemo(cfg, configPath, verbose)
		},
	}

	flags := root.Flags()
	flags.Uint32Var(&cfg.RingEntries, "ring-entries", cfg.RingEntries, "SQ/CQ entries requested per process ring (rounded up to a power of two)")
	flags.BoolVar(&cfg.SQPoll, "sqpoll", cfg.SQPoll, "set the SQPOLL flag in the S1 scenario's io_uring_setup (no poller task is started; submissions are still drained by io_uring_enter)")
	flags.IntVar(&cfg.IdlePollRate, "idle-poll-rate", cfg.IdlePollRate, "checks/sec pacing for an SQPOLL poller's idle re-checks (stored in the config; the demo starts no poller)")
	flags.IntVar(&cfg.FrameCount, "frame-count", cfg.FrameCount, "simulated physical frames available to the boot-time allocator")
	flags.StringVar(&configPath, "config", "", "optional boot-configuration file (overrides the flags above)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level kernel logging")

	return root
}

// lockPath resolves the file runDemo's boot lock guards: the config file
// itself when one was given (so two instances pointed at the same
// config never race booting off it), or a shared default under the
// temp directory otherwise.
func lockPath(configPath string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(os.TempDir(), "vkernel.lock")
}

func runDemo(cfg bootcfg.Config, configPath string, verbose bool) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}

	locker, err := bootcfg.Acquire(lockPath(configPath))
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer locker.Release()

	k, err := kernel.Boot(kernel.Config{FrameCount: cfg.FrameCount, Logger: logger})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	scenarios := []struct {
		name string
		run  func(*kernel.Kernel, bootcfg.Config) error
	}{
		{"S1 minimal submission", scenarioMinimalSubmission},
		{"S2 capability error", scenarioCapabilityError},
		{"S5 ring wrap", scenarioRingWrap},
		{"S6 duplicate with narrowing", scenarioDuplicateWithNarrowing},
	}

	for _, s := range scenarios {
		logger.Info("running scenario", "name", s.name)
		if err := s.run(k, cfg); err != nil {
			return fmt.Errorf("scenario %q: %w", s.name, err)
		}
	}
	logger.Info("all scenarios completed")
	return nil
}
