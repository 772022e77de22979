package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"testplane/internal/config"
	"testplane/internal/planner"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the planned tests without spawning any workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			exitCode = 1
			return err
		}

		plan, err := planner.New(cfg).Plan()
		if err != nil {
			exitCode = 1
			return err
		}

		out := cmd.OutOrStdout()
		for _, t := range plan.Tests {
			title := t.Spec.FullTitle()
			if t.VariationString != "" {
				title = fmt.Sprintf("%s [%s]", title, t.VariationString)
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", t.Project.Name, t.Spec.File, title, t.ID)
		}
		fmt.Fprintf(out, "\nTotal: %d tests in %d buckets\n", len(plan.Tests), len(plan.Buckets))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
