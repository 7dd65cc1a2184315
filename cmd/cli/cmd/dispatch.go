package cmd

import (
	"encoding/json"
	"strings"
	"time"

	"vmplane/internal/dispatch"
	"vmplane/pkg/api"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run a high-level action on an agent-managed service",
	Long: `Queue a hypervisor or sync action for an agent. With --wait the controller
holds the request until the command finishes or the wait elapses.`,
}

func newDispatchKindCmd(kind string) *cobra.Command {
	c := &cobra.Command{
		Use:       kind + " [action]",
		Short:     "Dispatch a " + kind + " action",
		Long:      "Dispatch a " + kind + " action. Allowed actions: " + strings.Join(dispatch.Actions(kind), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: dispatch.Actions(kind),
		Run: func(cmd *cobra.Command, args []string) {
			runDispatch(cmd, kind, args[0])
		},
	}
	c.Flags().String("agent-id", "", "Agent that manages the service (required)")
	c.Flags().String("target", "", "VM id, folder id or other target of the action (required)")
	c.Flags().String("body", "", "Extra JSON arguments for the action")
	c.Flags().Duration("wait", 0, "Wait up to this long for the command to finish")
	c.MarkFlagRequired("agent-id")
	c.MarkFlagRequired("target")
	return c
}

func runDispatch(cmd *cobra.Command, kind, action string) {
	c, ok := newClient(cmd)
	if !ok {
		return
	}

	req := api.DispatchRequest{}
	req.AgentID, _ = cmd.Flags().GetString("agent-id")
	req.Target, _ = cmd.Flags().GetString("target")
	if body, _ := cmd.Flags().GetString("body"); body != "" {
		if !json.Valid([]byte(body)) {
			cmd.Println("Error: --body must be valid JSON")
			return
		}
		req.Body = json.RawMessage(body)
	}
	wait, _ := cmd.Flags().GetDuration("wait")
	if wait > 0 && wait < time.Second {
		wait = time.Second
	}

	command, done, err := c.Dispatch(cmd.Context(), kind, action, req, wait)
	if err != nil {
		cmd.Printf("Error dispatching %s %s: %v\n", kind, action, err)
		return
	}
	if printJSON(cmd, command) {
		return
	}

	if wait > 0 && !done {
		cmd.Printf("%sStill %s after %v; follow with: vmctl commands get %s%s\n", colorDim, command.Status, wait, command.ID, colorReset)
	}
	printCommand(cmd, command)
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	for _, kind := range []string{dispatch.KindProxmox, dispatch.KindSyncthing} {
		dispatchCmd.AddCommand(newDispatchKindCmd(kind))
	}
}
