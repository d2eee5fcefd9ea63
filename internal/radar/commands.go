package radar

import (
	"fmt"
	"strconv"
	"strings"
)

// initCommands returns the startup configuration sequence for the radar
// module. Each command is sent best-effort; a unit that ignores one still
// produces parseable output because the reader handles every frame format.
func initCommands(lowThreshold, highThreshold float64) []string {
	return []string{
		"OJ", // JSON output format
		"US", // report speeds in mph
		"OM", // include magnitude with each report
		fmt.Sprintf("AL%.0f", lowThreshold),  // low alert threshold
		fmt.Sprintf("AH%.0f", highThreshold), // high alert threshold
		"AE", // enable alert flags in output
	}
}

// staticCommands is the allow-list of bare configuration commands accepted
// from operator tooling.
var staticCommands = map[string]bool{
	"??": true, // firmware info
	"AX": true, // factory reset
	"OJ": true,
	"US": true,
	"UM": true, // metric units
	"OM": true,
	"AE": true,
	"AD": true, // disable alerts
	"R+": true, // inbound-only reporting
	"R-": true, // outbound-only reporting
	"R|": true, // both directions
}

// IsValidAngleCommand reports whether cmd is a well-formed cosine-correction
// angle command of the form `^/+<angle>` or `^/-<angle>`.
func IsValidAngleCommand(cmd string) bool {
	if len(cmd) < 4 || !strings.HasPrefix(cmd, "^/") {
		return false
	}
	sign := cmd[2]
	if sign != '+' && sign != '-' {
		return false
	}
	_, err := strconv.ParseFloat(cmd[3:], 64)
	return err == nil
}

// IsAllowedCommand reports whether cmd may be forwarded to the device.
func IsAllowedCommand(cmd string) bool {
	if staticCommands[cmd] {
		return true
	}
	if strings.HasPrefix(cmd, "AL") || strings.HasPrefix(cmd, "AH") {
		_, err := strconv.ParseFloat(cmd[2:], 64)
		return err == nil
	}
	return IsValidAngleCommand(cmd)
}
