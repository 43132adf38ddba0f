// Package status renders a point-in-time view of a running conductor daemon
// gathered from its operations API.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lablink-io/conductor/internal/model"
)

type Snapshot struct {
	Daemon      DaemonStatus             `json:"daemon"`
	Tasks       *model.TaskStats         `json:"tasks,omitempty"`
	Agent       *model.AgentMetrics      `json:"agent,omitempty"`
	Supervisor  *model.SupervisorMetrics `json:"supervisor,omitempty"`
	Controllers []ControllerStatus       `json:"controllers,omitempty"`
}

type DaemonStatus struct {
	Reachable bool   `json:"reachable"`
	Addr      string `json:"addr"`
}

// ControllerStatus mirrors the /api/v1/controllers response entries.
type ControllerStatus struct {
	ID                  string   `json:"id"`
	Activities          []string `json:"activities"`
	Healthy             bool     `json:"healthy"`
	LastCheck           *string  `json:"lastCheck,omitempty"`
	ConsecutiveFailures int      `json:"consecutiveFailures"`
	Error               string   `json:"error,omitempty"`
}

// Run gathers the daemon snapshot from the operations API at addr and writes
// it to out, as indented JSON when jsonOutput is set.
func Run(addr string, jsonOutput bool, out io.Writer) error {
	snapshot := Gather(addr)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	printStatus(out, snapshot)
	return nil
}

// Gather collects queue stats, component metrics and controller health from
// the operations API. Sections that cannot be fetched are left nil.
func Gather(addr string) Snapshot {
	base := baseURL(addr)
	client := &http.Client{Timeout: 5 * time.Second}

	snapshot := Snapshot{Daemon: DaemonStatus{Addr: addr}}

	if err := getJSON(client, base+"/healthz", &struct{}{}); err != nil {
		return snapshot
	}
	snapshot.Daemon.Reachable = true

	var stats model.TaskStats
	if err := getJSON(client, base+"/api/v1/tasks/stats", &stats); err != nil {
		log.Printf("status: tasks/stats: %v", err)
	} else {
		snapshot.Tasks = &stats
	}

	var agent model.AgentMetrics
	if err := getJSON(client, base+"/api/v1/metrics/agent", &agent); err != nil {
		log.Printf("status: metrics/agent: %v", err)
	} else {
		snapshot.Agent = &agent
	}

	var supervisor model.SupervisorMetrics
	if err := getJSON(client, base+"/api/v1/metrics/supervisor", &supervisor); err != nil {
		log.Printf("status: metrics/supervisor: %v", err)
	} else {
		snapshot.Supervisor = &supervisor
	}

	var controllers struct {
		Controllers []ControllerStatus `json:"controllers"`
	}
	if err := getJSON(client, base+"/api/v1/controllers", &controllers); err != nil {
		log.Printf("status: controllers: %v", err)
	} else {
		snapshot.Controllers = controllers.Controllers
	}

	return snapshot
}

func baseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	// ":8600" style listen addresses dial the local host
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func printStatus(out io.Writer, s Snapshot) {
	if !s.Daemon.Reachable {
		fmt.Fprintf(out, "Daemon: unreachable at %s\n", s.Daemon.Addr)
		return
	}
	fmt.Fprintf(out, "Daemon: running at %s\n", s.Daemon.Addr)

	if s.Tasks != nil {
		fmt.Fprintf(out, "\nTasks: total=%d avg_completion_ms=%.0f avg_retries=%.1f\n",
			s.Tasks.Total, s.Tasks.AvgCompletionMs, s.Tasks.AvgRetries)
		if len(s.Tasks.ByStatus) > 0 {
			statuses := make([]string, 0, len(s.Tasks.ByStatus))
			for st := range s.Tasks.ByStatus {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			fmt.Fprintf(out, "  %-10s  %5s\n", "STATUS", "COUNT")
			for _, st := range statuses {
				fmt.Fprintf(out, "  %-10s  %5d\n", st, s.Tasks.ByStatus[model.Status(st)])
			}
		}
	}

	if s.Agent != nil {
		fmt.Fprintf(out, "\nAgent %s: processed=%d succeeded=%d failed=%d in_flight=%d avg_ms=%.0f\n",
			s.Agent.AgentID, s.Agent.TasksProcessed, s.Agent.TasksSucceeded,
			s.Agent.TasksFailed, s.Agent.CurrentlyProcessing, s.Agent.AvgProcessingTimeMs)
	}

	if s.Supervisor != nil {
		fmt.Fprintf(out, "\nSupervisor: checks=%d stale=%d timeouts=%d retries=%d escalated=%d online=%d offline=%d\n",
			s.Supervisor.ChecksPerformed, s.Supervisor.StaleActivitiesDetected,
			s.Supervisor.TimeoutsEnforced, s.Supervisor.RetriesScheduled,
			s.Supervisor.FailuresEscalated, s.Supervisor.ControllersOnline,
			s.Supervisor.ControllersOffline)
	}

	if len(s.Controllers) > 0 {
		fmt.Fprintln(out, "\nControllers:")
		fmt.Fprintf(out, "  %-14s  %-7s  %8s  %s\n", "ID", "HEALTHY", "FAILURES", "ERROR")
		for _, c := range s.Controllers {
			healthy := "yes"
			if !c.Healthy {
				healthy = "no"
			}
			fmt.Fprintf(out, "  %-14s  %-7s  %8d  %s\n", c.ID, healthy, c.ConsecutiveFailures, c.Error)
		}
	}
}
