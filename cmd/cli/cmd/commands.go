package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"vmplane/pkg/api"
	"vmplane/pkg/client"

	"github.com/spf13/cobra"
)

var commandsCmd = &cobra.Command{
	Use:     "commands",
	Aliases: []string{"cmd"},
	Short:   "Queue and inspect agent commands",
}

var commandsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Queue a command for an agent",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		agentID, _ := cmd.Flags().GetString("agent-id")
		commandType, _ := cmd.Flags().GetString("type")
		payload, _ := cmd.Flags().GetString("payload")

		req := api.CreateCommandRequest{AgentID: agentID, CommandType: commandType}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				cmd.Println("Error: --payload must be valid JSON")
				return
			}
			req.Payload = json.RawMessage(payload)
		}

		created, err := c.CreateCommand(cmd.Context(), req)
		if err != nil {
			cmd.Printf("Error creating command: %v\n", err)
			return
		}
		if printJSON(cmd, created) {
			return
		}
		cmd.Printf("%s Command queued\n", statusIcon(created.Status))
		cmd.Printf("  Command ID: %s\n", created.ID)
		cmd.Printf("  Agent:      %s\n", created.AgentID)
		cmd.Printf("  Type:       %s\n", created.CommandType)
	},
}

var commandsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List commands",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		opts := client.ListOptions{}
		opts.AgentID, _ = cmd.Flags().GetString("agent-id")
		opts.Status, _ = cmd.Flags().GetString("status")
		opts.CommandType, _ = cmd.Flags().GetString("type")
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.Offset, _ = cmd.Flags().GetInt("offset")

		cmds, err := c.ListCommands(cmd.Context(), opts)
		if err != nil {
			cmd.Printf("Error listing commands: %v\n", err)
			return
		}
		if printJSON(cmd, cmds) {
			return
		}
		if len(cmds) == 0 {
			cmd.Println("No commands found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "COMMAND ID\tAGENT\tTYPE\tSTATUS\tQUEUED AT\tERROR")
		for _, item := range cmds {
			errMsg := ""
			if item.ErrorMessage != nil {
				errMsg = truncate(*item.ErrorMessage, 50)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				item.ID,
				item.AgentID,
				item.CommandType,
				item.Status,
				item.QueuedAt.Format(time.RFC3339),
				errMsg,
			)
		}
		w.Flush()
	},
}

var commandsGetCmd = &cobra.Command{
	Use:   "get [command_id]",
	Short: "Show a command",
	Long:  `Show a command with its status (queued, dispatched, running, succeeded, failed, cancelled, expired), result and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		command, err := c.GetCommand(cmd.Context(), args[0])
		if err != nil {
			cmd.Printf("Error fetching command: %v\n", err)
			return
		}
		if printJSON(cmd, command) {
			return
		}
		printCommand(cmd, command)
	},
}

var commandsNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Claim the next command for an agent (agent role)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		agentID, _ := cmd.Flags().GetString("agent-id")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		command, err := c.NextCommand(cmd.Context(), agentID, timeout)
		if err != nil {
			cmd.Printf("Error polling: %v\n", err)
			return
		}
		if command == nil {
			cmd.Println("No command available.")
			return
		}
		if printJSON(cmd, command) {
			return
		}
		printCommand(cmd, command)
	},
}

var commandsPatchCmd = &cobra.Command{
	Use:   "patch [command_id]",
	Short: "Report command progress (agent role)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		req := api.PatchCommandRequest{}
		req.Status, _ = cmd.Flags().GetString("status")
		if result, _ := cmd.Flags().GetString("result"); result != "" {
			if !json.Valid([]byte(result)) {
				cmd.Println("Error: --result must be valid JSON")
				return
			}
			req.Result = json.RawMessage(result)
		}
		if cmd.Flags().Changed("error") {
			msg, _ := cmd.Flags().GetString("error")
			req.ErrorMessage = &msg
		}

		command, err := c.PatchCommand(cmd.Context(), args[0], req)
		if err != nil {
			cmd.Printf("Error updating command: %v\n", err)
			return
		}
		if printJSON(cmd, command) {
			return
		}
		cmd.Printf("Command %s is now %s\n", command.ID, colorizeStatus(command.Status))
	},
}

var commandsCancelCmd = &cobra.Command{
	Use:   "cancel [command_id]",
	Short: "Cancel a command that has not finished",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		command, err := c.CancelCommand(cmd.Context(), args[0])
		if err != nil {
			cmd.Printf("Error cancelling command: %v\n", err)
			return
		}
		if printJSON(cmd, command) {
			return
		}
		cmd.Printf("Command %s is now %s\n", command.ID, colorizeStatus(command.Status))
	},
}

func init() {
	rootCmd.AddCommand(commandsCmd)
	commandsCmd.AddCommand(commandsCreateCmd, commandsListCmd, commandsGetCmd, commandsNextCmd, commandsPatchCmd, commandsCancelCmd)

	commandsCreateCmd.Flags().String("agent-id", "", "Agent that executes the command (required)")
	commandsCreateCmd.Flags().String("type", "", "Command type, e.g. proxmox.start (required)")
	commandsCreateCmd.Flags().String("payload", "", "JSON payload")
	commandsCreateCmd.MarkFlagRequired("agent-id")
	commandsCreateCmd.MarkFlagRequired("type")

	commandsListCmd.Flags().String("agent-id", "", "Filter by agent")
	commandsListCmd.Flags().String("status", "", "Filter by status")
	commandsListCmd.Flags().String("type", "", "Filter by command type")
	commandsListCmd.Flags().Int("limit", 20, "Maximum number of commands to return")
	commandsListCmd.Flags().Int("offset", 0, "Number of commands to skip")

	commandsNextCmd.Flags().String("agent-id", "", "Agent to poll for (required)")
	commandsNextCmd.Flags().Duration("timeout", 25*time.Second, "How long the controller holds the poll")
	commandsNextCmd.MarkFlagRequired("agent-id")

	commandsPatchCmd.Flags().String("status", "", "running, succeeded or failed (required)")
	commandsPatchCmd.Flags().String("result", "", "JSON result")
	commandsPatchCmd.Flags().String("error", "", "Error message")
	commandsPatchCmd.MarkFlagRequired("status")
}
