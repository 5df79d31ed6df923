package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// runDoctorCmd checks the wiring prerequisites without opening the audit
// store or contacting a provider: it reports whether ARIA_DB_PATH's
// directory is writable, the plugin directory is readable, and the
// configured provider has its required credentials set.
func runDoctorCmd(stdout, stderr io.Writer) int {
	cfg := loadConfig()
	ok := true

	check := func(name string, pass bool, detail string) {
		status := "OK"
		if !pass {
			status = "FAIL"
			ok = false
		}
		fmt.Fprintf(stdout, "[%s] %-24s %s\n", status, name, detail)
	}

	dbDir := filepath.Dir(cfg.DBPath)
	check("db directory writable", dirWritable(dbDir), cfg.DBPath)

	logDir := filepath.Dir(cfg.LogPath)
	check("log directory writable", dirWritable(logDir), cfg.LogPath)

	_, statErr := os.Stat(cfg.PluginDir)
	check("plugin directory readable", statErr == nil, cfg.PluginDir)

	switch cfg.PrimaryProvider {
	case "anthropic":
		check("provider credentials", cfg.AnthropicAPIKey != "", "ANTHROPIC_API_KEY")
	case "ollama":
		check("provider credentials", true, "ollama requires no API key")
	default:
		check("provider selection", false, fmt.Sprintf("unknown provider %q", cfg.PrimaryProvider))
	}

	if !ok {
		return exitUserError
	}
	return exitOK
}

func dirWritable(dir string) bool {
	if dir == "" || dir == "." {
		dir = "."
	}
	probe := filepath.Join(dir, ".aria-doctor-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
