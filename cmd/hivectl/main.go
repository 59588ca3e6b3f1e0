package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/hive/internal/ipc"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// requestTimeout covers a blocking acquire on the host side.
const requestTimeout = 2 * time.Minute

func sendIPC(natsURL, agentID, cmdType string, payload any) (*ipc.Response, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(ipc.Command{Type: cmdType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(natsbus.TopicIPC(agentID), data, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipc.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// buildCommand maps a CLI command and its flags onto an IPC command type
// and payload.
func buildCommand(command string, args map[string]string) (string, any, error) {
	require := func(keys ...string) error {
		var missing []string
		for _, k := range keys {
			if args[k] == "" {
				missing = append(missing, "--"+k)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%s required", strings.Join(missing, ", "))
		}
		return nil
	}

	switch command {
	case "acquire", "release":
		if err := require("resource"); err != nil {
			return "", nil, err
		}
		return command, map[string]any{"resource": args["resource"]}, nil

	case "assign":
		if err := require("task"); err != nil {
			return "", nil, err
		}
		task := map[string]any{
			"id":                    args["task"],
			"type":                  args["type"],
			"description":           args["description"],
			"dependencies":          splitList(args["deps"]),
			"required_capabilities": splitList(args["caps"]),
		}
		if v := args["priority"]; v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return "", nil, fmt.Errorf("--priority: %w", err)
			}
			task["priority"] = p
		}
		return ipc.CmdAssign, map[string]any{"task": task, "agent": args["agent"]}, nil

	case "complete", "cancel":
		if err := require("task"); err != nil {
			return "", nil, err
		}
		return command, map[string]any{"task_id": args["task"]}, nil

	case "conflict":
		if err := require("kind", "subject"); err != nil {
			return "", nil, err
		}
		return ipc.CmdReportConflict, map[string]any{
			"kind":    args["kind"],
			"subject": args["subject"],
			"agents":  splitList(args["agents"]),
			"subtype": args["subtype"],
		}, nil

	case "propose":
		if err := require("description"); err != nil {
			return "", nil, err
		}
		payload := map[string]any{
			"description": args["description"],
			"task_id":     args["task"],
			"voters":      splitList(args["voters"]),
			"strategy":    args["strategy"],
		}
		if v := args["threshold"]; v != "" {
			th, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return "", nil, fmt.Errorf("--threshold: %w", err)
			}
			payload["threshold"] = th
		}
		if v := args["deadline"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return "", nil, fmt.Errorf("--deadline: %w", err)
			}
			payload["deadline_seconds"] = int(d.Seconds())
		}
		if v := args["action"]; v != "" {
			payload["payload"] = map[string]any{"action": v}
		}
		return ipc.CmdPropose, payload, nil

	case "vote":
		if err := require("proposal", "approve"); err != nil {
			return "", nil, err
		}
		approve, err := strconv.ParseBool(args["approve"])
		if err != nil {
			return "", nil, fmt.Errorf("--approve: %w", err)
		}
		return ipc.CmdVote, map[string]any{
			"proposal_id": args["proposal"],
			"approve":     approve,
			"reason":      args["reason"],
		}, nil

	case "recommend":
		if err := require("proposal"); err != nil {
			return "", nil, err
		}
		return ipc.CmdRecommend, map[string]any{
			"proposal_id": args["proposal"],
			"agent_type":  args["type"],
		}, nil

	case "workload":
		payload := map[string]any{}
		if v := args["tasks"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return "", nil, fmt.Errorf("--tasks: %w", err)
			}
			payload["task_count"] = n
		}
		for _, k := range []string{"cpu", "memory"} {
			if v := args[k]; v != "" {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return "", nil, fmt.Errorf("--%s: %w", k, err)
				}
				payload[k] = f
			}
		}
		return ipc.CmdWorkload, payload, nil

	case "send":
		if err := require("to", "message"); err != nil {
			return "", nil, err
		}
		return ipc.CmdSend, map[string]any{
			"to":      args["to"],
			"payload": map[string]any{"text": args["message"]},
		}, nil
	}
	return "", nil, fmt.Errorf("unknown command: %s", command)
}

func run(out io.Writer, natsURL, agentID string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("missing command")
	}
	cmdType, payload, err := buildCommand(argv[0], parseArgs(argv[1:]))
	if err != nil {
		return err
	}

	resp, err := sendIPC(natsURL, agentID, cmdType, payload)
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Code != "" {
			return fmt.Errorf("%s (%s)", resp.Error, resp.Code)
		}
		return fmt.Errorf("%s", resp.Error)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Data)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  hivectl acquire --resource "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl release --resource "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl assign --task "..." [--agent "..."] [--type "..."] [--deps a,b] [--caps x,y] [--priority N]`)
	fmt.Fprintln(os.Stderr, `  hivectl complete --task "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl cancel --task "..."`)
	fmt.Fprintln(os.Stderr, `  hivectl conflict --kind resource|task --subject "..." [--agents a,b] [--subtype "..."]`)
	fmt.Fprintln(os.Stderr, `  hivectl propose --description "..." [--task "..."] [--threshold 0.5] [--voters a,b] [--strategy "..."] [--deadline 5m] [--action "..."]`)
	fmt.Fprintln(os.Stderr, `  hivectl vote --proposal "..." --approve true|false [--reason "..."]`)
	fmt.Fprintln(os.Stderr, `  hivectl recommend --proposal "..." [--type "..."]`)
	fmt.Fprintln(os.Stderr, `  hivectl workload [--tasks N] [--cpu 0.5] [--memory 0.5]`)
	fmt.Fprintln(os.Stderr, `  hivectl send --to "..." --message "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		fatal("AGENT_ID environment variable is required")
	}

	if len(os.Args) < 2 {
		usage()
	}

	if err := run(os.Stdout, natsURL, agentID, os.Args[1:]); err != nil {
		fatal("%v", err)
	}
}
