package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/irctrakz/nicshim/pkg/control"
	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/framecap"
)

// parseHexBytes accepts hex with optional 0x prefix and separators.
func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	return hex.DecodeString(s)
}

func parseDirection(s string) (core.Direction, error) {
	for d := core.DirectionQuery; d.Valid(); d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func parseInterface(s string) (core.InterfaceClass, error) {
	for c := core.InterfaceRegular; c.Valid(); c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown interface class %q", s)
}

// parseKey parses "code[:direction[:interface[:subport]]]", e.g.
// "0x00010106:query:regular:0".
func parseKey(s string) (core.RequestKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 4 {
		return core.RequestKey{}, fmt.Errorf("request key %q: too many fields", s)
	}
	code, err := strconv.ParseUint(parts[0], 0, 32)
	if err != nil {
		return core.RequestKey{}, fmt.Errorf("request key %q: code: %w", s, err)
	}
	k := core.RequestKey{Code: uint32(code)}
	if len(parts) > 1 {
		if k.Direction, err = parseDirection(parts[1]); err != nil {
			return k, err
		}
	}
	if len(parts) > 2 {
		if k.Interface, err = parseInterface(parts[2]); err != nil {
			return k, err
		}
	}
	if len(parts) > 3 {
		port, err := strconv.ParseUint(parts[3], 0, 32)
		if err != nil {
			return k, fmt.Errorf("request key %q: subport: %w", s, err)
		}
		k.SubPort = uint32(port)
	}
	return k, nil
}

func parseStatus(s string) (core.Status, error) {
	if s == "fallthrough" || s == "fall-through" {
		return core.StatusFallThrough, nil
	}
	for st := core.StatusSuccess; st <= core.StatusFailure; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown status %q", s)
	}
	return core.Status(n), nil
}

func printFrame(w io.Writer, block []byte) error {
	d, err := framecap.Decode(block)
	if err != nil {
		return err
	}
	h := d.Header
	fmt.Fprintf(w, "queue=%d buffers=%d offset=%d length=%d timestamp=%d hash=0x%08x/%d\n",
		h.Queue, h.BufferCount, h.DataOffset, h.DataLength, h.Meta.Timestamp, h.Meta.HashValue, h.Meta.HashType)
	fmt.Fprintln(w, dump.Summarize(d.Data()))
	fmt.Fprint(w, hex.Dump(d.Data()))
	return nil
}

func newCtlCommand() *cobra.Command {
	var (
		apiURL   string
		apiToken string
		adapter  string
		timeout  time.Duration
	)

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Drive a running nicshim over its control channel",
	}
	root.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:8470", "control channel URL")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "control channel token")
	root.PersistentFlags().StringVarP(&adapter, "adapter", "a", "nic0", "adapter name")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "operation timeout")

	withClient := func(fn func(ctx context.Context, c *control.Client, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return fn(ctx, control.NewClient(apiURL, adapter, apiToken), args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "adapters",
		Short: "List adapters with a live session",
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			list, err := c.Adapters(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADAPTER\tCAPTURED\tPENDING\tFRAME FILTER\tREQUESTS\tREQUEST FILTER\tWATCHDOG")
			for _, a := range list {
				fmt.Fprintf(w, "%s\t%d\t%d\t%v\t%d\t%v\t%d\n",
					a.Adapter, a.FramesCaptured, a.FramesPending, a.FrameFilter, a.RequestsPended, a.RequestFilter, a.WatchdogFailures)
			}
			return w.Flush()
		}),
	})

	root.AddCommand(newFrameCommand(withClient), newRequestCommand(withClient))

	var queue uint32
	injectCmd := &cobra.Command{
		Use:   "inject [hex]",
		Short: "Indicate a synthetic received frame",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			data, err := parseHexBytes(args[0])
			if err != nil {
				return err
			}
			return c.InjectFrame(ctx, queue, data)
		}),
	}
	injectCmd.Flags().Uint32Var(&queue, "queue", 0, "receive queue")
	root.AddCommand(injectCmd)

	return root
}

type clientRunner func(func(ctx context.Context, c *control.Client, args []string) error) func(*cobra.Command, []string) error

func newFrameCommand(withClient clientRunner) *cobra.Command {
	frameCmd := &cobra.Command{
		Use:   "frame",
		Short: "Capture and release sent frames",
	}

	var mask string
	filterCmd := &cobra.Command{
		Use:   "filter [hex-pattern]",
		Short: "Install a frame filter; no pattern clears it",
		Args:  cobra.MaximumNArgs(1),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			if len(args) == 0 {
				return c.SetFrameFilter(ctx, nil, nil)
			}
			pat, err := parseHexBytes(args[0])
			if err != nil {
				return err
			}
			m := make([]byte, len(pat))
			for i := range m {
				m[i] = 0xFF
			}
			if mask != "" {
				if m, err = parseHexBytes(mask); err != nil {
					return err
				}
			}
			return c.SetFrameFilter(ctx, pat, m)
		}),
	}
	filterCmd.Flags().StringVar(&mask, "mask", "", "hex mask (default all ones)")

	var sub uint32
	getCmd := &cobra.Command{
		Use:   "get [index]",
		Short: "Show a captured frame",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			idx, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return err
			}
			block, err := c.GetFrame(ctx, uint32(idx), sub)
			if err != nil {
				return err
			}
			return printFrame(os.Stdout, block)
		}),
	}
	getCmd.Flags().Uint32Var(&sub, "sub", 0, "sub-buffer index")

	var timestamp uint64
	metaCmd := &cobra.Command{
		Use:   "timestamp [index] [value]",
		Short: "Set a captured frame's timestamp",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			idx, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return err
			}
			if timestamp, err = strconv.ParseUint(args[1], 0, 64); err != nil {
				return err
			}
			patch := core.MetadataPatch{Fields: core.PatchTimestamp, Metadata: core.FrameMetadata{Timestamp: timestamp}}
			return c.SetFrameMetadata(ctx, uint32(idx), sub, patch)
		}),
	}
	metaCmd.Flags().Uint32Var(&sub, "sub", 0, "sub-buffer index")

	dequeueCmd := &cobra.Command{
		Use:   "dequeue [index]",
		Short: "Move a captured frame to the pending-return queue",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			idx, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return err
			}
			return c.DequeueFrame(ctx, uint32(idx))
		}),
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Return dequeued frames to the driver",
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			return c.FlushDequeuedFrames(ctx)
		}),
	}

	flushAllCmd := &cobra.Command{
		Use:   "flush-all",
		Short: "Return every captured frame to the driver",
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			return c.FlushAllFrames(ctx)
		}),
	}

	pcapCmd := &cobra.Command{
		Use:   "pcap [file]",
		Short: "Write captured frames to a pcap file",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return c.ExportPCAP(ctx, f)
		}),
	}

	frameCmd.AddCommand(filterCmd, getCmd, metaCmd, dequeueCmd, flushCmd, flushAllCmd, pcapCmd)
	return frameCmd
}

func newRequestCommand(withClient clientRunner) *cobra.Command {
	reqCmd := &cobra.Command{
		Use:   "request",
		Short: "Capture and complete configuration requests",
		Long: `Request keys are written code[:direction[:interface[:subport]]], e.g.
0x00010106:query:regular:0. Directions are query, set and method;
interfaces are regular, direct and synchronous.

Only the oldest request pended on an interface is visible; requests on the
same interface are read and completed in arrival order.`,
	}

	filterCmd := &cobra.Command{
		Use:   "filter [key...]",
		Short: "Install a request filter; no keys clears it",
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			keys := make([]core.RequestKey, 0, len(args))
			for _, a := range args {
				k, err := parseKey(a)
				if err != nil {
					return err
				}
				keys = append(keys, k)
			}
			return c.SetRequestFilter(ctx, keys)
		}),
	}

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Show the oldest pended request's information buffer",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			k, err := parseKey(args[0])
			if err != nil {
				return err
			}
			info, err := c.GetPendingRequest(ctx, k)
			if err != nil {
				return err
			}
			fmt.Print(hex.Dump(info))
			return nil
		}),
	}

	var status, info string
	completeCmd := &cobra.Command{
		Use:   "complete [key]",
		Short: "Complete the oldest pended request",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *control.Client, args []string) error {
			k, err := parseKey(args[0])
			if err != nil {
				return err
			}
			st, err := parseStatus(status)
			if err != nil {
				return err
			}
			var data []byte
			if info != "" {
				if data, err = parseHexBytes(info); err != nil {
					return err
				}
			}
			final, out, err := c.CompleteRequest(ctx, k, st, data)
			if err != nil {
				return err
			}
			fmt.Printf("completed with %s\n", final)
			fmt.Print(hex.Dump(out))
			return nil
		}),
	}
	completeCmd.Flags().StringVar(&status, "status", "fallthrough", "completion status name, number or fallthrough")
	completeCmd.Flags().StringVar(&info, "info", "", "hex bytes to write into the information buffer")

	reqCmd.AddCommand(filterCmd, getCmd, completeCmd)
	return reqCmd
}
