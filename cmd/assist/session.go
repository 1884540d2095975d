package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dreambigrsa/liveassist/internal/api"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect help sessions",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionStatsCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		configPath string
		filter     lifecycle.ListFilter
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.State != "" {
				if _, err := models.ParseSessionState(filter.State); err != nil {
					return err
				}
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rows, err := api.ListSessions(cmd.Context(), gormDB, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tROLE\tREQUESTER\tPROFESSIONAL\tRULE\tOFFERS\tUPDATED")
			for _, s := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.State, s.RoleID, s.RequesterID, dash(s.CandidateID), dash(s.RuleID),
					s.TotalOffers, s.LastTransitionAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filter.State, "state", "", "filter by state")
	cmd.Flags().StringVar(&filter.RequesterID, "requester", "", "filter by requester")
	cmd.Flags().StringVar(&filter.CandidateID, "professional", "", "filter by assigned professional")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s, err := lifecycle.NewGormStore(gormDB).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSession(cmd, s)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printSession(cmd *cobra.Command, s *lifecycle.Session) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:      %s\n", s.ID)
	fmt.Fprintf(out, "State:        %s\n", s.State)
	fmt.Fprintf(out, "Requester:    %s\n", s.RequesterID)
	fmt.Fprintf(out, "Role:         %s\n", s.RoleID)
	fmt.Fprintf(out, "Rule:         %s (attempt %d, %d offers)\n", dash(s.RuleID), s.Attempt, s.TotalOffers)
	fmt.Fprintf(out, "Professional: %s\n", dash(s.CandidateID))
	if len(s.Offered) > 0 {
		fmt.Fprintf(out, "Offered:      %s\n", strings.Join(s.Offered, ", "))
	}
	if len(s.Proposal) > 0 {
		fmt.Fprintf(out, "Proposal:     %s (awaiting requester)\n", strings.Join(s.Proposal, ", "))
	}
	if dl := s.Deadline(); !dl.IsZero() {
		fmt.Fprintf(out, "Deadline:     %s\n", dl.Format(time.RFC3339))
	}
	if s.EndReason != "" {
		fmt.Fprintf(out, "Ended:        %s by %s\n", s.EndReason, dash(s.EndedBy))
	}
	if f := s.Failure(); f != nil {
		fmt.Fprintf(out, "Failure:      %s (%s)\n", f.Kind, f.Reason())
	}
	if s.ReviewEligible() {
		fmt.Fprintln(out, "Review:       eligible")
	}

	if len(s.History) == 0 {
		return
	}
	fmt.Fprintln(out, "\nHistory:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  AT\tFROM\tTO\tATTEMPT\tPROFESSIONAL\tREASON")
	for _, t := range s.History {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\t%s\n",
			t.At.Format(time.DateTime), t.From, t.To, t.Attempt, dash(t.CandidateID), t.Reason)
	}
	w.Flush()
}

func newSessionStatsCmd() *cobra.Command {
	var (
		configPath string
		since      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count sessions per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			counts, err := api.SessionStats(cmd.Context(), gormDB, from)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(counts) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tCOUNT")
			for _, c := range counts {
				fmt.Fprintf(w, "%s\t%d\n", c.State, c.Count)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&since, "since", 0, "only sessions created within this window (e.g. 24h)")
	return cmd
}
