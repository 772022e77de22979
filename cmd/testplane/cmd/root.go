package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// exitCode is set by the subcommands; Execute returns it to main. 0 is
// a fully expected run, 1 covers failures and startup errors, 130 an
// interrupted run.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "testplane",
	Short: "Testplane runs registered test suites across parallel worker processes",
	Long: `testplane is a parallel test runner. It discovers the test files
registered through the testapi package, plans them into worker-affinity
buckets and executes them across a pool of isolated worker processes.

Common workflows:

  Run everything:
    testplane run

  Run a subset by title:
    testplane run --grep "checkout"

  Split the workload across CI machines:
    testplane run --shard 2/4

  See what would run without spawning workers:
    testplane list

Configuration:
  Settings resolve from flags, TESTPLANE_* environment variables and a
  testplane.yaml config file, in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runE(cmd, args)
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("testplane")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "TESTPLANE_VARNAME"
	viper.SetEnvPrefix("TESTPLANE")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./testplane.yaml)")

	addRunFlags(rootCmd.PersistentFlags())
}
