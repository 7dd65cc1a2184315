package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"vmplane/pkg/client"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "vmctl is a command line tool for the vmplane controller",
	Long: `vmctl is the command-line interface for vmplane, the control plane that hands
out execution leases to automation agents and queues commands for them.

Common workflows:

  Start a VM through its agent and wait for the outcome:
    vmctl dispatch proxmox start --agent-id A1 --target 101 --wait 60

  Queue a raw command and follow its output:
    vmctl commands create --agent-id A1 --type proxmox.status --payload '{"target":"101"}'
    vmctl commands logs <command-id> --follow

  Inspect an execution lease:
    vmctl lease get <lease-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    VMPLANE_URL      API endpoint (default: http://localhost:6161)
    VMPLANE_TOKEN    Bearer token (API key, static token or system secret)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".vmctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".vmctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "VMPLANE_VARNAME"
	viper.SetEnvPrefix("VMPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vmctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "vmplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Bearer token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().Bool("json", false, "Print raw JSON responses")
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// newClient builds an API client from the configured url and token. It prints
// a hint and returns false when no token is set.
func newClient(cmd *cobra.Command) (*client.Client, bool) {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the VMPLANE_TOKEN environment variable")
		return nil, false
	}
	return client.New(viper.GetString("url"), token), true
}

// printJSON writes v indented. It reports whether --json was requested.
func printJSON(cmd *cobra.Command, v any) bool {
	if !viper.GetBool("json") {
		return false
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		cmd.Printf("Failed to encode response: %v\n", err)
		return true
	}
	cmd.Println(string(out))
	return true
}
