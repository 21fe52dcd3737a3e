//go:build !windows

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	armd "github.com/armkit/armd"
	"github.com/armkit/armd/internal/config"
	"github.com/armkit/armd/internal/protocol"
)

type ctlFlags struct {
	ConfigPath string
	Timeout    time.Duration
	TestMode   bool
}

func main() {
	var flags ctlFlags
	root := &cobra.Command{
		Use:           "armctl",
		Short:         "control a running restart manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "configuration file")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "give up after this long")
	root.PersistentFlags().BoolVarP(&flags.TestMode, "test", "T", false, "do not daemonize when launching the manager")

	root.AddCommand(
		startCmd(&flags),
		stopCmd(&flags),
		listCmd(&flags),
		monitorCmd(&flags),
		testCmd(&flags),
	)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "armctl:", err)
		os.Exit(1)
	}
}

func loadConfig(flags *ctlFlags) (*config.Config, error) {
	cfg, err := armd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// await blocks until done, the timeout elapses, or an interrupt arrives.
func await(done <-chan error, timeout time.Duration) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	case <-sigs:
		return fmt.Errorf("interrupted")
	}
}

func resultErr(svc string, r protocol.Result, err error) error {
	if err != nil {
		return err
	}
	switch r {
	case protocol.ResultStarting, protocol.ResultStopping,
		protocol.ResultStopped, protocol.ResultAlreadyStarted,
		protocol.ResultAlreadyStopped:
		fmt.Printf("%s: %s\n", svc, r)
		return nil
	default:
		return fmt.Errorf("%s: %s", svc, r)
	}
}

func startCmd(flags *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <service>",
		Short: "start a service (use \"arm\" for the manager itself)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			c := armd.Connect(cfg, nil)
			defer c.Disconnect()
			c.SetTestMode(flags.TestMode)
			done := make(chan error, 1)
			c.RequestStart(args[0], func(r protocol.Result, err error) {
				done <- resultErr(args[0], r, err)
			})
			return await(done, flags.Timeout)
		},
	}
}

func stopCmd(flags *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>",
		Short: "stop a service (use \"arm\" to shut the manager down)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			c := armd.Connect(cfg, nil)
			defer c.Disconnect()
			done := make(chan error, 1)
			c.RequestStop(args[0], func(r protocol.Result, err error) {
				done <- resultErr(args[0], r, err)
			})
			return await(done, flags.Timeout)
		},
	}
}

func listCmd(flags *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list running services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			c := armd.Connect(cfg, nil)
			defer c.Disconnect()
			done := make(chan error, 1)
			c.RequestList(func(entries []protocol.ListEntry, err error) {
				if err != nil {
					done <- err
					return
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "SERVICE\tBINARY\tSTATUS\tLAST EXIT")
				for _, e := range entries {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
						e.Name, e.Binary, e.Status, e.LastExitStatus)
				}
				done <- w.Flush()
			})
			return await(done, flags.Timeout)
		},
	}
}

func monitorCmd(flags *ctlFlags) *cobra.Command {
	var exitOnEvent bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "stream service status changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			first := make(chan struct{}, 1)
			m := armd.ConnectMonitor(cfg, func(svc string, st protocol.ServiceStatus) {
				if svc == "" {
					fmt.Printf("%s <manager %s>\n", time.Now().Format(time.TimeOnly), st)
					return
				}
				fmt.Printf("%s %s: %s\n", time.Now().Format(time.TimeOnly), svc, st)
				select {
				case first <- struct{}{}:
				default:
				}
			})
			defer m.Disconnect()
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			if exitOnEvent {
				select {
				case <-first:
				case <-sigs:
				}
				return nil
			}
			<-sigs
			return nil
		},
	}
	cmd.Flags().BoolVarP(&exitOnEvent, "exit-on-event", "e", false, "exit after the first service event")
	return cmd
}

func testCmd(flags *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "check whether the manager answers on its control socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			done := make(chan error, 1)
			c := armd.Connect(cfg, func(up bool) {
				if up {
					done <- nil
				}
			})
			defer c.Disconnect()
			if err := await(done, flags.Timeout); err != nil {
				return fmt.Errorf("manager not reachable: %w", err)
			}
			fmt.Println("manager is running")
			return nil
		},
	}
}
