package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/basket/turnstile/internal/config"
)

// runWifiOnlyCommand writes wifi_only to config.yaml. A running daemon picks
// the change up through its config watcher.
func runWifiOnlyCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: turnstile wifi-only on|off")
		return 2
	}
	var v bool
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "on", "true", "1":
		v = true
	case "off", "false", "0":
		v = false
	default:
		fmt.Fprintf(os.Stderr, "wifi-only: expected on or off, got %q\n", args[0])
		return 2
	}
	home := config.HomeDir()
	if err := config.SetWifiOnly(home, v); err != nil {
		fmt.Fprintf(os.Stderr, "wifi-only: %v\n", err)
		return 1
	}
	fmt.Printf("wifi_only=%t written to %s\n", v, config.ConfigPath(home))
	return 0
}
