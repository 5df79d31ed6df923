package main

import (
	"fmt"
	"io"

	"github.com/aria-run/aria/pkg/registry"
)

// runToolsCmd implements `aria tools list`. It loads only the tool
// registry, not the full kernel wiring, so it needs no provider
// credentials.
func runToolsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(stderr, "aria: usage: aria tools list")
		return exitUserError
	}

	cfg := loadConfig()
	reg := registry.New()
	result, err := reg.Load(cfg.PluginDir)
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	for name, cause := range result.Rejected {
		fmt.Fprintf(stderr, "aria: rejected tool %q: %v\n", name, cause)
	}

	tools := reg.List()
	if len(tools) == 0 {
		fmt.Fprintln(stdout, "no tools registered")
		return exitOK
	}
	for _, m := range tools {
		fmt.Fprintf(stdout, "%s@%s\n", m.Name, m.Version)
		fmt.Fprintf(stdout, "  %s\n", m.Description)
		fmt.Fprintf(stdout, "  permissions: %v\n", m.Permissions)
		if len(m.AllowedPaths) > 0 {
			fmt.Fprintf(stdout, "  allowed_paths: %v\n", m.AllowedPaths)
		}
	}
	return exitOK
}
