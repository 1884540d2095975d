package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dreambigrsa/liveassist/internal/api"
	"github.com/dreambigrsa/liveassist/internal/rules"
	"github.com/spf13/cobra"
)

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Escalation rule commands",
	}

	cmd.AddCommand(newRuleListCmd())
	cmd.AddCommand(newRuleAddCmd())
	return cmd
}

func newRuleListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation rules in resolution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rows, err := api.ListRules(cmd.Context(), gormDB)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No rules found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROLE\tTRIGGER\tSTRATEGY\tATTEMPTS\tTIMEOUT\tPRI\tFALLBACKS\tCONFIRM\tACTIVE")
			for _, r := range rows {
				role := r.RoleID
				if role == "" {
					role = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%ds\t%d\t%s\t%t\t%t\n",
					r.ID, role, r.TriggerType, r.Strategy, r.MaxEscalationAttempts, r.TimeoutSeconds,
					r.Priority, dash(strings.Join(r.FallbackRules, ",")), r.RequireUserConfirmation, r.Active)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newRuleAddCmd() *cobra.Command {
	var (
		configPath string
		in         rules.Input
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or update an escalation rule",
		Long: `Creates an escalation rule, or replaces it when the ID exists. Fallback
rules must already exist. An empty --role matches every role.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			in.ID = args[0]
			rule, err := rules.NewGormStore(gormDB).Save(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved rule %s (%s, %s, %d attempts)\n",
				rule.ID, rule.TriggerType, rule.Strategy, rule.MaxEscalationAttempts)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&in.RoleID, "role", "", "role this rule applies to (empty for all)")
	cmd.Flags().StringVar(&in.TriggerType, "trigger", "timeout", "timeout, user_request, ai_detection or manual")
	cmd.Flags().StringVar(&in.Strategy, "strategy", "sequential", "sequential, broadcast or round_robin")
	cmd.Flags().IntVar(&in.TimeoutSeconds, "timeout", 0, "offer timeout in seconds (0 uses the dispatch default)")
	cmd.Flags().IntVar(&in.MaxEscalationAttempts, "max-attempts", 1, "offer rounds before falling back")
	cmd.Flags().IntVar(&in.BroadcastSize, "broadcast-size", 0, "candidates per broadcast round (0 for all)")
	cmd.Flags().StringSliceVar(&in.FallbackRules, "fallback", nil, "fallback rule IDs, in order")
	cmd.Flags().BoolVar(&in.RequireUserConfirmation, "confirm", false, "ask the requester before reassigning")
	cmd.Flags().IntVar(&in.Priority, "priority", 0, "lower is evaluated first when several rules match")
	cmd.Flags().BoolVar(&in.Inactive, "inactive", false, "store the rule disabled")
	return cmd
}
