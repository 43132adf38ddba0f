package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lablink-io/conductor/internal/config"
	"github.com/lablink-io/conductor/internal/model"
	"github.com/lablink-io/conductor/internal/orchestrator"
	"github.com/lablink-io/conductor/internal/setup"
	"github.com/lablink-io/conductor/internal/status"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "schedule":
		runSchedule(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	var projectDir, agentID string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--agent-id":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--agent-id requires a value")
				os.Exit(1)
			}
			i++
			agentID = args[i]
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: conductor init <project_dir> [--agent-id <id>]\n", args[i])
				os.Exit(1)
			}
			projectDir = args[i]
		}
	}

	if projectDir == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor init <project_dir> [--agent-id <id>]")
		os.Exit(1)
	}

	if err := setup.Run(projectDir, agentID); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized .conductor/ in %s\n", absDir)
}

func runDaemon(_ []string) {
	conductorDir := findConductorDir()
	if conductorDir == "" {
		fmt.Fprintln(os.Stderr, "error: .conductor/ directory not found. Run 'conductor init <dir>' first.")
		os.Exit(1)
	}

	cfg, err := config.Load(filepath.Join(conductorDir, config.FileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := orchestrator.New(conductorDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSchedule(args []string) {
	var params model.TaskParams
	var addr, deadline string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			i++
			params.ExperimentRunID = args[i]
		case "--campaign":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--campaign requires a value")
				os.Exit(1)
			}
			i++
			params.CampaignID = args[i]
		case "--controller":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--controller requires a value")
				os.Exit(1)
			}
			i++
			params.ControllerID = args[i]
		case "--activity":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--activity requires a value")
				os.Exit(1)
			}
			i++
			params.ActivityName = args[i]
		case "--priority":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--priority requires a value")
				os.Exit(1)
			}
			i++
			params.Priority = model.Priority(args[i])
		case "--option":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--option requires a key=value")
				os.Exit(1)
			}
			i++
			key, value, ok := strings.Cut(args[i], "=")
			if !ok || key == "" {
				fmt.Fprintf(os.Stderr, "invalid --option %q, expected key=value\n", args[i])
				os.Exit(1)
			}
			params.ActivityOptions = append(params.ActivityOptions, model.KeyValue{Key: key, Value: value})
		case "--max-retries":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-retries requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --max-retries value: %s\n", args[i])
				os.Exit(1)
			}
			params.MaxRetries = &n
		case "--deadline":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--deadline requires a value")
				os.Exit(1)
			}
			i++
			deadline = args[i]
		case "--meta":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--meta requires a key=value")
				os.Exit(1)
			}
			i++
			key, value, ok := strings.Cut(args[i], "=")
			if !ok || key == "" {
				fmt.Fprintf(os.Stderr, "invalid --meta %q, expected key=value\n", args[i])
				os.Exit(1)
			}
			if params.Metadata == nil {
				params.Metadata = map[string]string{}
			}
			params.Metadata[key] = value
		case "--addr":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			i++
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: conductor schedule --run <id> --controller <id> --activity <name> [--priority <p>] [--option k=v]... [--max-retries <n>] [--deadline <rfc3339>] [--meta k=v]... [--addr <host:port>]")
			os.Exit(1)
		}
	}

	if params.ExperimentRunID == "" || params.ControllerID == "" || params.ActivityName == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor schedule --run <id> --controller <id> --activity <name> [--priority <p>] [--option k=v]... [--max-retries <n>] [--deadline <rfc3339>] [--meta k=v]... [--addr <host:port>]")
		os.Exit(1)
	}

	if deadline != "" {
		ts, err := time.Parse(time.RFC3339, deadline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --deadline value %q: %v\n", deadline, err)
			os.Exit(1)
		}
		params.Deadline = &ts
	}

	body, err := json.Marshal(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedule: %v\n", err)
		os.Exit(1)
	}

	url := apiBase(addr) + "/api/v1/tasks"
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedule: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "schedule failed [HTTP %d]: %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		os.Exit(1)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

func runStatus(args []string) {
	jsonOutput := false
	var addr string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "--addr":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			i++
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: conductor status [--json] [--addr <host:port>]\n", args[i])
			os.Exit(1)
		}
	}

	if err := status.Run(resolveAddr(addr), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

// apiBase turns a listen address into the operations API base URL.
func apiBase(addr string) string {
	addr = resolveAddr(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// resolveAddr picks the API address: the explicit flag, then the config of the
// nearest .conductor/ directory, then the default port.
func resolveAddr(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if conductorDir := findConductorDir(); conductorDir != "" {
		if cfg, err := config.Load(filepath.Join(conductorDir, config.FileName)); err == nil && cfg.HTTP.ListenAddr != "" {
			return cfg.HTTP.ListenAddr
		}
	}
	return ":8600"
}

// findConductorDir searches for .conductor/ in the current directory and ancestors.
func findConductorDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".conductor")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductor %s — instrument activity orchestration daemon

Usage: conductor <command> [options]

Setup:
  init <dir> [--agent-id <id>]   Initialize .conductor/ directory

Daemon:
  daemon                         Run the orchestration daemon

Operations (CLI → daemon API):
  schedule [options]             Schedule an activity task
  status [--json]                Show queue stats and component metrics

Utilities:
  version                        Show version
  help                           Show this help

`, version)
}
