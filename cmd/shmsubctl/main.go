//go:build linux

// shmsubctl inspects and pokes the live subscription state of a repository:
// segment headers, the module directory, and subscriber event pipes.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openconfd/shmsub"
	"github.com/openconfd/shmsub/directory/boltdir"
	"github.com/openconfd/shmsub/internal/evpipe"
	"github.com/openconfd/shmsub/internal/logging"
	"github.com/openconfd/shmsub/internal/repopath"
	"github.com/openconfd/shmsub/internal/shm"
)

var (
	logLevel string
	jsonLog  bool
	dbPath   string
)

func main() {
	root := &cobra.Command{
		Use:           "shmsubctl",
		Short:         "Inspect the shared-memory subscription state of a repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.Init(logging.Config{Level: logLevel, JSONOutput: jsonLog})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&jsonLog, "json", false, "log in JSON instead of console format")

	root.AddCommand(segmentCmd(), dirCmd(), signalCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shmsubctl:", err)
		os.Exit(1)
	}
}

func segmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Inspect subscription segments",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List segment files in the shared-memory directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := repopath.Discover()
			if err != nil {
				return err
			}
			matches, err := filepath.Glob(filepath.Join(paths.ShmDir, "sr_*"))
			if err != nil {
				return err
			}
			sort.Strings(matches)
			for _, m := range matches {
				if strings.Contains(filepath.Base(m), "evpipe") {
					continue
				}
				st, err := os.Stat(m)
				if err != nil {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-60s %8d\n", m, st.Size())
			}
			return nil
		},
	}

	info := &cobra.Command{
		Use:   "info <module> <kind> [discriminator]",
		Short: "Decode the event header of one segment",
		Long: "Decode the event header of the segment for module and kind " +
			"(running, startup, operational, state, rpc, notif). Per-path " +
			"kinds take the 8-hex-digit discriminator from the file name.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := repopath.Discover()
			if err != nil {
				return err
			}
			disc := int64(-1)
			if len(args) == 3 {
				d, err := strconv.ParseUint(args[2], 16, 32)
				if err != nil {
					return fmt.Errorf("discriminator %q is not 8 hex digits: %w", args[2], err)
				}
				disc = int64(d)
			}
			path := shm.SegmentPath(paths.ShmDir, args[0], args[1], disc)
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if len(raw) < shm.HeaderSize {
				return fmt.Errorf("%q is %d bytes, shorter than a segment header", path, len(raw))
			}
			word := func(off int) uint32 { return binary.LittleEndian.Uint32(raw[off:]) }

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "segment:  %s (%d bytes)\n", path, len(raw))
			fmt.Fprintf(out, "lock:     mutex=%d cond=%d readers=%d\n", word(0), word(4), word(8))
			fmt.Fprintf(out, "event:    id=%d tag=%s origin=%d err=%d\n",
				word(shm.LockSize), shmsub.Phase(word(shm.LockSize+4)), word(shm.LockSize+8), word(shm.LockSize+12))
			fmt.Fprintf(out, "payload:  len=%d priority=%d pending=%d\n",
				word(shm.LockSize+16), word(shm.LockSize+20), word(shm.LockSize+24))
			return nil
		},
	}

	cmd.AddCommand(list, info)
	return cmd
}

func dirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dir",
		Short: "Inspect the module directory",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "directory database file (default <repo>/directory.db)")

	list := &cobra.Command{
		Use:   "list <module>",
		Short: "List the registered subscribers of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module := args[0]
			path := dbPath
			if path == "" {
				paths, err := repopath.Discover()
				if err != nil {
					return err
				}
				path = filepath.Join(paths.Repo, "directory.db")
			}
			dir, err := boltdir.Open(path)
			if err != nil {
				return err
			}
			defer dir.Close()

			out := cmd.OutOrStdout()
			for _, ds := range []shmsub.Datastore{shmsub.DatastoreRunning, shmsub.DatastoreStartup, shmsub.DatastoreOperational} {
				subs, err := dir.ChangeSubscribers(module, ds)
				if err != nil {
					return err
				}
				for _, s := range subs {
					fmt.Fprintf(out, "change  %-12s prio=%-4d opts=%#x evpipe=%d xpath=%q\n",
						ds, s.Priority, uint32(s.Opts), s.EvPipe, s.XPath)
				}
			}
			notif, err := dir.NotifSubscribers(module)
			if err != nil {
				return err
			}
			for _, num := range notif {
				fmt.Fprintf(out, "notif   evpipe=%d\n", num)
			}
			return nil
		},
	}

	cmd.AddCommand(list)
	return cmd
}

func signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <evpipe-number>",
		Short: "Wake a subscriber by writing to its event pipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			num, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("event pipe number %q: %w", args[0], err)
			}
			paths, err := repopath.Discover()
			if err != nil {
				return err
			}
			return evpipe.Signal(paths.EvPipePath(uint32(num)))
		},
	}
}
