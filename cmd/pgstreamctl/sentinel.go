package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pglogrepl"
	"github.com/spf13/cobra"

	"github.com/dimitri/pgstreamfollow/internal/db"
	"github.com/dimitri/pgstreamfollow/internal/sentinel"
)

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "inspect and update the sentinel control record",
}

var sentinelSetupCmd = &cobra.Command{
	Use:   "setup <startpos> [endpos]",
	Short: "create the sentinel row",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		startpos, err := pglogrepl.ParseLSN(args[0])
		if err != nil {
			return fmt.Errorf("invalid startpos: %w", err)
		}
		endpos := pglogrepl.LSN(0)
		if len(args) == 2 {
			endpos, err = pglogrepl.ParseLSN(args[1])
			if err != nil {
				return fmt.Errorf("invalid endpos: %w", err)
			}
		}

		store, closePool, err := openSentinel(cmd.Context())
		if err != nil {
			return err
		}
		defer closePool()

		return store.Setup(cmd.Context(), startpos, endpos)
	},
}

var sentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "print the current sentinel row",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closePool, err := openSentinel(cmd.Context())
		if err != nil {
			return err
		}
		defer closePool()

		snap, err := store.Get(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("startpos:   %s\n", snap.StartPos)
		fmt.Printf("endpos:     %s\n", snap.EndPos)
		fmt.Printf("apply:      %t\n", snap.Apply)
		fmt.Printf("write_lsn:  %s\n", snap.WriteLSN)
		fmt.Printf("flush_lsn:  %s\n", snap.FlushLSN)
		fmt.Printf("replay_lsn: %s\n", snap.ReplayLSN)
		return nil
	},
}

var sentinelSetCmd = &cobra.Command{
	Use:       "set {startpos|endpos|apply|prefetch} <value>",
	Short:     "update one field of the sentinel row",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"startpos", "endpos", "apply", "prefetch"},
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closePool, err := openSentinel(cmd.Context())
		if err != nil {
			return err
		}
		defer closePool()

		field := args[0]
		switch field {
		case "startpos":
			if len(args) != 2 {
				return fmt.Errorf("set startpos requires an LSN value")
			}
			v, err := pglogrepl.ParseLSN(args[1])
			if err != nil {
				return fmt.Errorf("invalid startpos: %w", err)
			}
			return store.UpdateStartPos(cmd.Context(), v)
		case "endpos":
			if len(args) != 2 {
				return fmt.Errorf("set endpos requires an LSN value")
			}
			v, err := pglogrepl.ParseLSN(args[1])
			if err != nil {
				return fmt.Errorf("invalid endpos: %w", err)
			}
			return store.UpdateEndPos(cmd.Context(), v)
		case "apply":
			if len(args) != 2 {
				return fmt.Errorf("set apply requires a boolean value")
			}
			v, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid apply value: %w", err)
			}
			return store.UpdateApply(cmd.Context(), v)
		case "prefetch":
			// prefetch is shorthand for disabling the applier while the
			// receiver keeps streaming to disk: apply=false with whatever
			// endpos is already set.
			return store.UpdateApply(cmd.Context(), false)
		default:
			return fmt.Errorf("unknown sentinel field %q (want startpos, endpos, apply, or prefetch)", field)
		}
	},
}

func init() {
	sentinelCmd.AddCommand(sentinelSetupCmd, sentinelGetCmd, sentinelSetCmd)
	rootCmd.AddCommand(sentinelCmd)
}

func openSentinel(ctx context.Context) (*sentinel.Store, func(), error) {
	conn, err := db.Open(ctx, cfg.Target.DSN(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to target: %w", err)
	}
	return sentinel.New(conn.Pool, logger), conn.Close, nil
}
