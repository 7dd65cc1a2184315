package cmd

import (
	"strings"

	"vmplane/pkg/api"

	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Bootstrap tenants and API keys (requires the system secret as token)",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		req := api.CreateTenantRequest{}
		req.Name, _ = cmd.Flags().GetString("name")
		req.RateLimit, _ = cmd.Flags().GetFloat64("rate-limit")
		req.RateLimitBurst, _ = cmd.Flags().GetInt("burst")

		tenant, err := c.CreateTenant(cmd.Context(), req)
		if err != nil {
			cmd.Printf("Error creating tenant: %v\n", err)
			return
		}
		if printJSON(cmd, tenant) {
			return
		}
		cmd.Println("Tenant created")
		cmd.Printf("  Tenant ID: %s\n", tenant.ID)
		cmd.Printf("  Name:      %s\n", tenant.Name)
	},
}

var tenantKeyCmd = &cobra.Command{
	Use:   "key [tenant_id]",
	Short: "Mint an API key for a tenant user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, ok := newClient(cmd)
		if !ok {
			return
		}

		req := api.CreateAPIKeyRequest{}
		req.UserID, _ = cmd.Flags().GetString("user-id")
		roles, _ := cmd.Flags().GetStringSlice("roles")
		for _, r := range roles {
			if r = strings.TrimSpace(r); r != "" {
				req.Roles = append(req.Roles, r)
			}
		}

		key, err := c.CreateAPIKey(cmd.Context(), args[0], req)
		if err != nil {
			cmd.Printf("Error creating API key: %v\n", err)
			return
		}
		if printJSON(cmd, key) {
			return
		}
		cmd.Println("API key created")
		cmd.Printf("  User:  %s\n", key.UserID)
		cmd.Printf("  Roles: %s\n", strings.Join(key.Roles, ", "))
		cmd.Printf("  Key:   %s\n", key.APIKey)
		cmd.Printf("\n%sStore the key now, it cannot be retrieved again.%s\n", colorDim, colorReset)
	},
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantCreateCmd, tenantKeyCmd)

	tenantCreateCmd.Flags().String("name", "", "Tenant name (required)")
	tenantCreateCmd.Flags().Float64("rate-limit", 0, "Requests per second (0 uses the controller default)")
	tenantCreateCmd.Flags().Int("burst", 0, "Rate limit burst")
	tenantCreateCmd.MarkFlagRequired("name")

	tenantKeyCmd.Flags().String("user-id", "", "User the key authenticates as (required)")
	tenantKeyCmd.Flags().StringSlice("roles", nil, "Roles: operator, agent, admin (default: operator and agent)")
	tenantKeyCmd.MarkFlagRequired("user-id")
}
