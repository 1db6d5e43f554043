package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/forkq/internal/tui"
)

func runPoolNoun(args []string) int {
	if len(args) < 1 {
		printPoolNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPoolNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "stats":
		return runPoolGet(actionArgs, "/stats")
	case "worker-stats":
		return runPoolGet(actionArgs, "/stats/worker")
	case "monitor":
		return runPoolMonitor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown pool action: %s\n", action)
		return 1
	}
}

func printPoolNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: forkq pool <action> [--api-url URL | --config PATH]")
	fmt.Fprintln(w, "Actions: stats, worker-stats, monitor")
}

func poolFlags(name string, args []string) (string, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	base := fs.String("api-url", os.Getenv(EnvAPIURL), "Coordinator API URL (default derived from --config)")
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return "", false
	}
	baseURL, err := resolveAPIURL(*base, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return "", false
	}
	return baseURL, true
}

func runPoolGet(args []string, path string) int {
	baseURL, ok := poolFlags("pool", args)
	if !ok {
		return 1
	}

	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	resp, err := send(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read failed: %v\n", err)
		return 1
	}
	fmt.Println(indentJSON(body))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runPoolMonitor(args []string) int {
	baseURL, ok := poolFlags("monitor", args)
	if !ok {
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(baseURL).WithToken(os.Getenv(EnvAPIToken)))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}
