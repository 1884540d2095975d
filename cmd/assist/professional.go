package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dreambigrsa/liveassist/internal/api"
	"github.com/dreambigrsa/liveassist/internal/directory"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/spf13/cobra"
)

func newProfessionalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "professional",
		Aliases: []string{"pro"},
		Short:   "Professional directory commands",
	}

	cmd.AddCommand(newProfessionalListCmd())
	cmd.AddCommand(newProfessionalAddCmd())
	cmd.AddCommand(newProfessionalStatusCmd())
	return cmd
}

func newProfessionalListCmd() *cobra.Command {
	var (
		configPath string
		role       string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List professionals",
		Long:  "Lists professionals with their live status, load and rating. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rows, err := api.ListProfessionals(cmd.Context(), gormDB, role)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No professionals found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tONLINE\tLOAD\tRATING\tLOCATION")
			for _, p := range rows {
				online := "no"
				if p.Online {
					online = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.2f (%d)\t%s\n",
					p.ID, truncate(dash(p.Name), 30), p.RoleID, online, p.CurrentLoad,
					p.RatingAverage, p.RatingCount, dash(p.LocationHint))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func newProfessionalAddCmd() *cobra.Command {
	var (
		configPath string
		p          models.Professional
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or update a professional",
		Long:  "Creates a professional profile, or updates it when the ID exists. The live session count is never changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.RatingAverage < 0 || p.RatingAverage > 5 {
				return fmt.Errorf("--rating must be within 0..5")
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			p.ID = args[0]
			if err := directory.NewStore(gormDB).Save(cmd.Context(), &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved professional %s (%s)\n", p.ID, p.RoleID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.RoleID, "role", "", "role (required)")
	cmd.Flags().BoolVar(&p.Online, "online", false, "mark online")
	cmd.Flags().Float64Var(&p.RatingAverage, "rating", 0, "rating average (0..5)")
	cmd.Flags().IntVar(&p.RatingCount, "rating-count", 0, "number of ratings")
	cmd.Flags().StringVar(&p.LocationHint, "location", "", "location hint, e.g. za/gauteng")
	cmd.Flags().StringVar(&p.ChatUserID, "chat-user", "", "Slack or Discord user ID")
	cmd.MarkFlagRequired("role")
	return cmd
}

func newProfessionalStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <id> <online|offline>",
		Short: "Set a professional online or offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var online bool
			switch args[1] {
			case "online":
				online = true
			case "offline":
			default:
				return fmt.Errorf("status must be online or offline, got %q", args[1])
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := directory.NewStore(gormDB).SetOnline(cmd.Context(), args[0], online); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Professional %s is now %s\n", args[0], args[1])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
