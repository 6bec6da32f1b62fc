package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	// Define flags
	baseURL := flag.String("url", "http://localhost:3000", "WorkHive API base URL")
	action := flag.String("action", "", "Action: submit, list, get, cancel, agents, register, heartbeat, metrics, health, stats")
	id := flag.String("id", "", "Work item or agent id")
	name := flag.String("name", "", "Item or agent name")
	description := flag.String("desc", "", "Item description")
	kind := flag.String("kind", "task", "Work kind: task, todo, complex_todo")
	complexity := flag.String("complexity", "", "Complexity: low, medium, high, critical")
	priority := flag.String("priority", "MEDIUM", "Priority: LOW, MEDIUM, HIGH, CRITICAL")
	capabilities := flag.String("caps", "", "Comma-separated agent capabilities")
	status := flag.String("status", "", "Status filter for list")
	jsonOutput := flag.Bool("json", false, "Raw JSON output")

	flag.Parse()

	if *action == "" {
		fmt.Fprintf(os.Stderr, "Usage: workctl -action <action> [flags]\n")
		fmt.Fprintf(os.Stderr, "Actions: submit, list, get, cancel, agents, register, heartbeat, metrics, health, stats\n")
		os.Exit(1)
	}

	c := &client{base: strings.TrimRight(*baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	var (
		result interface{}
		err    error
	)
	switch *action {
	case "submit":
		if *name == "" || *description == "" {
			fail("submit requires -name and -desc")
		}
		result, err = c.post("/api/work", map[string]interface{}{
			"name":        *name,
			"description": *description,
			"kind":        *kind,
			"complexity":  *complexity,
			"priority":    *priority,
		})
	case "list":
		path := "/api/work"
		if *status != "" {
			path += "?status=" + *status
		}
		result, err = c.get(path)
	case "get":
		if *id == "" {
			fail("get requires -id")
		}
		result, err = c.get("/api/work/" + *id)
	case "cancel":
		if *id == "" {
			fail("cancel requires -id")
		}
		result, err = c.post("/api/work/"+*id+"/cancel", map[string]string{"cancelled_by": "workctl"})
	case "agents":
		result, err = c.get("/api/agents")
	case "register":
		if *name == "" {
			fail("register requires -name")
		}
		var caps []string
		if *capabilities != "" {
			caps = strings.Split(*capabilities, ",")
		}
		result, err = c.post("/api/agents/register", map[string]interface{}{
			"name":         *name,
			"capabilities": caps,
			"pinned":       true,
		})
	case "heartbeat":
		if *id == "" {
			fail("heartbeat requires -id")
		}
		result, err = c.post("/api/agents/"+*id+"/heartbeat", nil)
	case "metrics":
		result, err = c.get("/api/metrics")
	case "health":
		result, err = c.get("/api/health")
	case "stats":
		result, err = c.get("/api/stats")
	default:
		fail("unknown action: " + *action)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		json.NewEncoder(os.Stdout).Encode(result)
		return
	}
	pretty, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(pretty))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string) (interface{}, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (c *client) post(path string, body interface{}) (interface{}, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (interface{}, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		if m, ok := v.(map[string]interface{}); ok {
			if msg, ok := m["error"].(string); ok {
				return nil, fmt.Errorf("%s (%d)", msg, resp.StatusCode)
			}
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return v, nil
}
