package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/shmseg/pkg/shm"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newWriteCmd())
	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newInfoCmd())
}

type createFlags struct {
	size    int
	data    string
	noSync  bool
	hold    bool
	timeout time.Duration
}

func newCreateCmd() *cobra.Command {
	var f createFlags
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a segment and keep it open until interrupted",
		Long: `The create command creates a new segment, optionally stores an initial
payload and holds the segment open so that other processes can attach.
Segments disappear once their last handle closes.

Example:
  shmseg create telemetry --size 4096 --data hello
  shmseg create scratch --size 1024 --hold=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCreate(ctx, cmd.OutOrStdout(), args[0], f)
		},
	}
	cmd.Flags().IntVar(&f.size, "size", shm.DefaultSize, "Payload capacity in bytes")
	cmd.Flags().StringVar(&f.data, "data", "", "Initial payload")
	cmd.Flags().BoolVar(&f.noSync, "no-sync", false, "Do not lock reads and writes")
	cmd.Flags().BoolVar(&f.hold, "hold", true, "Keep the segment open until interrupted")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "Lock timeout")
	return cmd
}

func runCreate(ctx context.Context, out io.Writer, name string, f createFlags) error {
	opts := segmentOptions(name)
	opts.Mode = shm.ModeCreate
	opts.Size = f.size
	opts.Synchronized = !f.noSync

	openCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	seg, err := shm.Open(openCtx, opts)
	if err != nil {
		return err
	}
	defer seg.Close()

	if f.data != "" {
		if err := seg.WriteBytes(openCtx, []byte(f.data)); err != nil {
			return err
		}
	}
	info, err := seg.Info(openCtx)
	if err != nil {
		return err
	}
	if err := printSegmentInfo(out, info); err != nil {
		return err
	}
	if f.hold {
		printInfo(out, "Holding %s open, interrupt to release\n", name)
		<-ctx.Done()
	}
	return nil
}

func attach(ctx context.Context, name string, timeout time.Duration) (*shm.Segment, context.Context, context.CancelFunc, error) {
	opts := segmentOptions(name)
	opts.Mode = shm.ModeAttach
	ctx, cancel := context.WithTimeout(ctx, timeout)
	seg, err := shm.Open(ctx, opts)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return seg, ctx, cancel, nil
}

func newWriteCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "write <name> [data]",
		Short: "Replace the payload of a live segment",
		Long: `The write command attaches to a live segment and replaces its payload
with the given data, or with standard input when no data is given.

Example:
  shmseg write telemetry "new value"
  date | shmseg write telemetry`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return runWrite(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], nil, timeout)
			}
			return runWrite(cmd.Context(), cmd.OutOrStdout(), args[0], "", cmd.InOrStdin(), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Lock timeout")
	return cmd
}

func runWrite(ctx context.Context, out io.Writer, name, data string, src io.Reader, timeout time.Duration) error {
	seg, ctx, cancel, err := attach(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer cancel()
	defer seg.Close()

	n := int64(len(data))
	if src != nil {
		n, err = seg.CopyFrom(ctx, src)
	} else {
		err = seg.WriteBytes(ctx, []byte(data))
	}
	if err != nil {
		return err
	}
	printInfo(out, "Wrote %d bytes to %s\n", n, name)
	return nil
}

func newReadCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Print the payload of a live segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd.Context(), cmd.OutOrStdout(), args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Lock timeout")
	return cmd
}

func runRead(ctx context.Context, out io.Writer, name string, timeout time.Duration) error {
	seg, ctx, cancel, err := attach(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer cancel()
	defer seg.Close()

	if jsonOut {
		data, err := seg.ReadBytes(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]interface{}{"name": name, "data": string(data), "length": len(data)})
	}
	_, err = seg.CopyTo(ctx, out)
	return err
}

func newInfoCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Report sizes and flags of a live segment",
		Long: `The info command attaches to a live segment and reports its complete and
effective sizes and the length of the current payload.

Example:
  shmseg info telemetry
  shmseg info telemetry --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), cmd.OutOrStdout(), args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Lock timeout")
	return cmd
}

func runInfo(ctx context.Context, out io.Writer, name string, timeout time.Duration) error {
	seg, ctx, cancel, err := attach(ctx, name, timeout)
	if err != nil {
		return fmt.Errorf("failed to attach %s: %w", name, err)
	}
	defer cancel()
	defer seg.Close()

	info, err := seg.Info(ctx)
	if err != nil {
		return err
	}
	return printSegmentInfo(out, info)
}
