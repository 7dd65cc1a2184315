package cmd

import (
	"fmt"
	"time"

	"vmplane/pkg/api"

	"github.com/spf13/cobra"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusColor(status string) string {
	switch status {
	case "succeeded", "active":
		return colorGreen
	case "failed", "expired", "revoked":
		return colorRed
	case "running", "dispatched":
		return colorYellow
	case "queued":
		return colorCyan
	default:
		return ""
	}
}

func statusIcon(status string) string {
	switch status {
	case "succeeded", "active":
		return colorGreen + "✓" + colorReset
	case "failed", "expired", "revoked":
		return colorRed + "✗" + colorReset
	case "cancelled":
		return colorDim + "⊘" + colorReset
	case "running", "dispatched":
		return colorYellow + "⏳" + colorReset
	case "queued":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	c := statusColor(status)
	if c == "" {
		return statusIcon(status) + " " + status
	}
	return statusIcon(status) + " " + c + status + colorReset
}

func printCommand(cmd *cobra.Command, c *api.CommandResponse) {
	cmd.Printf("%s %sCommand Details%s\n", statusIcon(c.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, c.ID)
	cmd.Printf("%sType:%s        %s\n", colorDim, colorReset, c.CommandType)
	cmd.Printf("%sAgent:%s       %s\n", colorDim, colorReset, c.AgentID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(c.Status))
	if len(c.Payload) > 0 && string(c.Payload) != "{}" {
		cmd.Printf("%sPayload:%s     %s\n", colorDim, colorReset, c.Payload)
	}

	if c.ErrorMessage != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *c.ErrorMessage, colorReset)
	}
	if len(c.Result) > 0 {
		cmd.Printf("%sResult:%s      %s\n", colorDim, colorReset, c.Result)
	}

	cmd.Printf("%sQueued:%s      %s\n", colorDim, colorReset, formatTimeWithRelative(&c.QueuedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(c.StartedAt))

	// Duration if both times available
	if c.StartedAt != nil && c.CompletedAt != nil {
		duration := c.CompletedAt.Sub(*c.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(c.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(c.CompletedAt))
	}
}

func printLease(cmd *cobra.Command, l *api.LeaseResponse) {
	cmd.Printf("%s %sLease Details%s\n", statusIcon(l.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, l.LeaseID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(l.Status))
	cmd.Printf("%sVM:%s          %s\n", colorDim, colorReset, l.VMUUID)
	cmd.Printf("%sModule:%s      %s\n", colorDim, colorReset, l.Module)
	cmd.Printf("%sAgent:%s       %s (runner %s)\n", colorDim, colorReset, l.AgentID, l.RunnerID)
	cmd.Printf("%sUser:%s        %s\n", colorDim, colorReset, l.UserID)
	cmd.Printf("%sIssued:%s      %s\n", colorDim, colorReset, formatTimeWithRelative(&l.IssuedAt))
	cmd.Printf("%sHeartbeat:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(&l.LastHeartbeatAt))
	cmd.Printf("%sExpires:%s     %s\n", colorDim, colorReset, l.ExpiresAt.Format(time.RFC1123))
	if l.RevokedAt != nil {
		cmd.Printf("%sRevoked:%s     %s %s\n", colorDim, colorReset, formatTimeWithRelative(l.RevokedAt), l.RevokeReason)
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
