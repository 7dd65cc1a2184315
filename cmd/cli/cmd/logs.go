package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// terminal command statuses; following stops once one is reached.
var terminalStatuses = map[string]bool{
	"succeeded": true,
	"failed":    true,
	"cancelled": true,
	"expired":   true,
}

var logsCmd = &cobra.Command{
	Use:   "logs [command_id]",
	Short: "Print the output an agent shipped for a command",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		commandID := args[0]
		follow, _ := cmd.Flags().GetBool("follow")

		c, ok := newClient(cmd)
		if !ok {
			return
		}

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			<-sigChan
			os.Exit(0)
		}()

		ctx := cmd.Context()
		var lastID int64 = 0
		finished := false

		for {
			newLogs, err := c.GetLogs(ctx, commandID, lastID, 0)
			if err != nil {
				cmd.Printf("Error fetching logs: %v\n", err)
				if !follow {
					break
				}
				time.Sleep(2 * time.Second) // Retry backoff
				continue
			}

			for _, log := range newLogs {
				cmd.Print(log.Content)
				if len(log.Content) > 0 && log.Content[len(log.Content)-1] != '\n' {
					cmd.Println()
				}
				if log.ID > lastID {
					lastID = log.ID
				}
			}

			// A page came back, there may be more right away.
			if len(newLogs) > 0 {
				continue
			}
			if !follow || finished {
				break
			}

			// Caught up. Once the command can produce no more output, one
			// last pass picks up lines shipped since the previous fetch.
			command, err := c.GetCommand(ctx, commandID)
			if err == nil && terminalStatuses[command.Status] {
				finished = true
				continue
			}
			time.Sleep(1 * time.Second)
		}
	},
}

func init() {
	commandsCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output until the command finishes")
}
