// Command fleetctl is a thin CLI wrapper over fleetd's REST surface,
// mirroring fleetd's own stdlib-flag style rather than pulling in a CLI
// framework: one subcommand per endpoint, JSON in, JSON out, and an exit
// code taken from sarerrors' Kind->ExitCode table via the response's
// HTTP status.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "missions":
		runMissions(os.Args[2:])
	case "emergency":
		runEmergency(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `fleetctl is a thin CLI over the fleet coordination server's REST API.

Usage:
  fleetctl missions create  -server <addr> -drones d1,d2 -waypoints lat,lon,alt;lat,lon,alt [-mode shared|partitioned]
  fleetctl missions list    -server <addr>
  fleetctl missions get     -server <addr> -id <mission-id>
  fleetctl missions abort   -server <addr> -id <mission-id> [-reason text]
  fleetctl missions pause   -server <addr> -id <mission-id> -drones d1,d2
  fleetctl missions resume  -server <addr> -id <mission-id> -drones d1,d2
  fleetctl emergency stop-all -server <addr> [-reason text] [-operator id]
  fleetctl emergency rtl      -server <addr> [-reason text] [-operator id]
  fleetctl emergency kill     -server <addr> -confirm [-reason text] [-operator id]
  fleetctl emergency status   -server <addr>`)
}

func runMissions(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("missions "+sub, flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "fleet server base URL")
	id := fs.String("id", "", "mission id")
	drones := fs.String("drones", "", "comma-separated drone ids")
	waypoints := fs.String("waypoints", "", "semicolon-separated lat,lon,alt waypoints")
	mode := fs.String("mode", "shared", "shared|partitioned")
	reason := fs.String("reason", "", "reason recorded with the action")
	_ = fs.Parse(args[1:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch sub {
	case "create":
		status, body, err := doRequest(ctx, http.MethodPost, *server+"/missions/", map[string]any{
			"drones":        splitNonEmpty(*drones, ","),
			"waypoints":     parseWaypoints(*waypoints),
			"waypoint_mode": *mode,
		})
		finish(status, body, err)
	case "list":
		status, body, err := doRequest(ctx, http.MethodGet, *server+"/missions/", nil)
		finish(status, body, err)
	case "get":
		status, body, err := doRequest(ctx, http.MethodGet, *server+"/missions/"+*id, nil)
		finish(status, body, err)
	case "abort":
		status, body, err := doRequest(ctx, http.MethodPost, *server+"/missions/"+*id+"/abort", map[string]any{"reason": *reason})
		finish(status, body, err)
	case "pause":
		status, body, err := doRequest(ctx, http.MethodPost, *server+"/missions/"+*id+"/pause", map[string]any{"drones": splitNonEmpty(*drones, ",")})
		finish(status, body, err)
	case "resume":
		status, body, err := doRequest(ctx, http.MethodPost, *server+"/missions/"+*id+"/resume", map[string]any{"drones": splitNonEmpty(*drones, ",")})
		finish(status, body, err)
	default:
		usage()
		os.Exit(1)
	}
}

func runEmergency(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("emergency "+sub, flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "fleet server base URL")
	reason := fs.String("reason", "", "reason recorded with the action")
	operator := fs.String("operator", "", "operator id")
	confirm := fs.Bool("confirm", false, "required for kill")
	_ = fs.Parse(args[1:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body := map[string]any{"reason": *reason, "operator_id": *operator, "confirm": *confirm}

	switch sub {
	case "stop-all":
		status, resp, err := doRequest(ctx, http.MethodPost, *server+"/emergency/stop-all", body)
		finish(status, resp, err)
	case "rtl":
		status, resp, err := doRequest(ctx, http.MethodPost, *server+"/emergency/rtl", body)
		finish(status, resp, err)
	case "kill":
		status, resp, err := doRequest(ctx, http.MethodPost, *server+"/emergency/kill", body)
		finish(status, resp, err)
	case "status":
		status, resp, err := doRequest(ctx, http.MethodGet, *server+"/emergency/status", nil)
		finish(status, resp, err)
	default:
		usage()
		os.Exit(1)
	}
}

// doRequest issues one JSON request and returns the status code plus the
// decoded envelope body, if any.
func doRequest(ctx context.Context, method, url string, body any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && err != io.EOF {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, parsed, nil
}

// finish prints the response and exits with the code sarerrors.Kind maps
// its HTTP status to, so scripts driving fleetctl can branch on $?.
func finish(status int, body map[string]any, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "fleetctl:", err)
		os.Exit(4)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)

	os.Exit(exitCodeForStatus(status))
}

func exitCodeForStatus(status int) int {
	switch status {
	case http.StatusOK, http.StatusAccepted:
		return 0
	case http.StatusBadRequest:
		return 1
	case http.StatusConflict:
		return 2
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return 3
	default:
		return 4
	}
}

func parseWaypoints(s string) []map[string]float64 {
	if s == "" {
		return nil
	}
	var out []map[string]float64
	for _, group := range strings.Split(s, ";") {
		parts := strings.Split(group, ",")
		if len(parts) != 3 {
			continue
		}
		lat, _ := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lon, _ := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		alt, _ := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		out = append(out, map[string]float64{"latitude": lat, "longitude": lon, "altitude": alt})
	}
	return out
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}
