package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ManuGH/xglive/internal/api"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/ManuGH/xglive/internal/version"
	"github.com/spf13/cobra"
)

func (g *globalFlags) client() (*api.Client, error) {
	return api.NewClient(g.adminURL, g.token)
}

func newSessionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect publisher sessions",
	}
	var (
		history bool
		limit   int
		asJSON  bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List live sessions, or ended ones with --history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var infos []session.Info
			if history {
				infos, err = c.History(cmd.Context(), limit)
			} else {
				infos, err = c.Sessions(cmd.Context())
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			return printSessions(cmd.OutOrStdout(), infos, time.Now())
		},
	}
	list.Flags().BoolVar(&history, "history", false, "list ended sessions from the journal")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of history entries")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(list)
	return cmd
}

func printSessions(w io.Writer, infos []session.Info, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCHANNEL\tPROTOCOL\tROLE\tSLOT\tFRAMES\tAGE\tREASON")
	for _, s := range infos {
		end := now
		if s.EndedAt != nil {
			end = *s.EndedAt
		}
		reason := string(s.Reason)
		if reason == "" {
			reason = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.ChannelID, s.Protocol, s.Role, s.Slot, s.Frames,
			end.Sub(s.StartedAt).Truncate(time.Second), reason)
	}
	return tw.Flush()
}

func newFailoverCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "failover <channel>",
		Short: "Promote the channel's standby session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := c.Failover(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "channel %s failed over\n", args[0])
			return nil
		},
	}
}

func newTerminateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <session>",
		Short: "End a publisher session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := c.Terminate(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session %s terminated\n", args[0])
			return nil
		},
	}
}

func newIngestCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Control ingest listeners",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show which listeners are running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			status, err := c.IngestStatus(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range media.Protocols {
				state := "stopped"
				if status[p] {
					state = "running"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-7s %s\n", p, state)
			}
			return nil
		},
	})
	for _, action := range []string{"start", "stop"} {
		cmd.AddCommand(&cobra.Command{
			Use:       action + " <protocol>",
			Short:     action + " a protocol listener (rtmp, srt, webrtc)",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"rtmp", "srt", "webrtc"},
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := g.client()
				if err != nil {
					return err
				}
				p := media.Protocol(args[0])
				if action == "start" {
					err = c.StartIngest(cmd.Context(), p)
				} else {
					err = c.StopIngest(cmd.Context(), p)
				}
				if err != nil {
					return err
				}
				past := "started"
				if action == "stop" {
					past = "stopped"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s listener %s\n", p, past)
				return nil
			},
		})
	}
	return cmd
}

func newVersionCmd(g *globalFlags) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.String())
			if !remote {
				return nil
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			v, err := c.Version(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "server: %s\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also query the running daemon")
	return cmd
}
