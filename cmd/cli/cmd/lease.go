package cmd

import (
	"vmplane/pkg/api"

	"github.com/spf13/cobra"
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Manage execution leases",
	Long: `Issue, renew, revoke and inspect execution leases. A lease grants one runner
the right to operate a (VM, module) pair until it expires or is revoked.`,
}

var leaseIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new lease",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		req := api.IssueLeaseRequest{}
		req.VMUUID, _ = cmd.Flags().GetString("vm-uuid")
		req.AgentID, _ = cmd.Flags().GetString("agent-id")
		req.RunnerID, _ = cmd.Flags().GetString("runner-id")
		req.Module, _ = cmd.Flags().GetString("module")
		req.UserID, _ = cmd.Flags().GetString("user-id")
		req.Version, _ = cmd.Flags().GetString("version")

		resp, err := c.IssueLease(cmd.Context(), req)
		if err != nil {
			cmd.Printf("Error issuing lease: %v\n", err)
			return
		}
		if printJSON(cmd, resp) {
			return
		}

		cmd.Printf("%s Lease issued\n", statusIcon("active"))
		cmd.Printf("  Lease ID:   %s\n", resp.LeaseID)
		cmd.Printf("  Token:      %s\n", resp.Token)
		cmd.Printf("  Expires At: %s\n", resp.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
		cmd.Printf("\n%sThe token is shown only once.%s\n", colorDim, colorReset)
	},
}

var leaseHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [lease_id]",
	Short: "Extend a live lease",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		lease, err := c.Heartbeat(cmd.Context(), args[0])
		if err != nil {
			cmd.Printf("Error renewing lease: %v\n", err)
			return
		}
		if printJSON(cmd, lease) {
			return
		}
		cmd.Printf("%s Lease %s renewed until %s\n", statusIcon(lease.Status), lease.LeaseID, lease.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	},
}

var leaseRevokeCmd = &cobra.Command{
	Use:   "revoke [lease_id]",
	Short: "Revoke a lease",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		reason, _ := cmd.Flags().GetString("reason")
		resp, err := c.RevokeLease(cmd.Context(), args[0], reason)
		if err != nil {
			cmd.Printf("Error revoking lease: %v\n", err)
			return
		}
		if printJSON(cmd, resp) {
			return
		}
		cmd.Printf("%s Lease %s revoked at %s\n", statusIcon(resp.Status), resp.LeaseID, resp.RevokedAt.Format("2006-01-02T15:04:05Z07:00"))
	},
}

var leaseGetCmd = &cobra.Command{
	Use:   "get [lease_id]",
	Short: "Show a lease",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		lease, err := c.GetLease(cmd.Context(), args[0])
		if err != nil {
			cmd.Printf("Error fetching lease: %v\n", err)
			return
		}
		if printJSON(cmd, lease) {
			return
		}
		printLease(cmd, lease)
	},
}

func init() {
	rootCmd.AddCommand(leaseCmd)
	leaseCmd.AddCommand(leaseIssueCmd, leaseHeartbeatCmd, leaseRevokeCmd, leaseGetCmd)

	leaseIssueCmd.Flags().String("vm-uuid", "", "VM the lease covers (required)")
	leaseIssueCmd.Flags().String("agent-id", "", "Agent hosting the runner (required)")
	leaseIssueCmd.Flags().String("runner-id", "", "Runner instance id")
	leaseIssueCmd.Flags().String("module", "", "Module the runner executes (required)")
	leaseIssueCmd.Flags().String("user-id", "", "User the lease is issued for (default: caller)")
	leaseIssueCmd.Flags().String("version", "", "Runner version")
	leaseIssueCmd.MarkFlagRequired("vm-uuid")
	leaseIssueCmd.MarkFlagRequired("agent-id")
	leaseIssueCmd.MarkFlagRequired("module")

	leaseRevokeCmd.Flags().String("reason", "", "Why the lease is revoked")
}
