package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// resolveDevice finds a runtime by full device ID or unique prefix.
func resolveDevice(registry *Registry, query string) (*DeviceRuntime, error) {
	if runtime, ok := registry.Get(query); ok {
		return runtime, nil
	}

	var matches []*DeviceRuntime
	for _, runtime := range registry.All() {
		if strings.HasPrefix(runtime.Config.ID, query) || strings.EqualFold(runtime.Config.Name, query) {
			matches = append(matches, runtime)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, fmt.Errorf("no device matches %q", query)
	default:
		return nil, fmt.Errorf("%d devices match %q, be more specific", len(matches), query)
	}
}

// printDevices lists all registered devices with their cycle health
func printDevices(registry *Registry) {
	runtimes := registry.All()
	fmt.Printf("Configured devices (%d):\n", len(runtimes))
	for _, runtime := range runtimes {
		health := "healthy"
		if !runtime.Coordinator.Healthy() {
			health = "unhealthy"
			if err := runtime.Coordinator.LastError(); err != nil {
				health = fmt.Sprintf("unhealthy: %v", err)
			}
		}
		fmt.Printf("  %s  %s  [%s]\n", runtime.Config.ID, runtime.Config.Name, health)
	}
}

// printValues shows the latest sensor values for one device
func printValues(runtime *DeviceRuntime) {
	snap := runtime.Coordinator.Snapshot()
	if snap == nil {
		fmt.Println("No snapshot yet")
		return
	}

	fmt.Printf("%s (fetched %s):\n", runtime.Config.Name, snap.FetchedAt.Format("15:04:05"))
	var lines []string
	for _, desc := range sensorDescriptors {
		if value, ok := SensorValue(desc, snap); ok {
			unit := ""
			if desc.Unit != "" {
				unit = " " + desc.Unit
			}
			lines = append(lines, fmt.Sprintf("  %-28s %v%s", desc.Key, value, unit))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Println(line)
	}
}

// handleDebugCommand processes a debug command
func handleDebugCommand(cmd string, registry *Registry) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "devices":
		printDevices(registry)

	case "show":
		if len(parts) < 2 {
			log.Println("Usage: show <device-id>")
			return
		}
		runtime, err := resolveDevice(registry, parts[1])
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		printValues(runtime)

	case "refresh":
		if len(parts) < 2 {
			log.Println("Usage: refresh <device-id>")
			return
		}
		runtime, err := resolveDevice(registry, parts[1])
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		log.Printf("Refreshing %s...", runtime.Config.Name)
		if err := runtime.Coordinator.ForceRefresh(); err != nil {
			log.Printf("Refresh failed: %v", err)
			return
		}
		log.Println("Refresh done")

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  devices              - List configured devices and cycle health")
		fmt.Println("  show <device-id>     - Show latest sensor values (ID prefix ok)")
		fmt.Println("  refresh <device-id>  - Force an out-of-schedule refresh")
		fmt.Println("  help                 - Show this help")

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	bridgeCache := filepath.Join(cacheDir, "onemeter-bridge")
	// Create directory if it doesn't exist
	_ = os.MkdirAll(bridgeCache, 0750)
	return filepath.Join(bridgeCache, "debug_history")
}

// debugWorker provides interactive introspection of the device registry
func debugWorker(ctx context.Context, cancel context.CancelFunc, registry *Registry) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Debug worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil // Clear readline reference on exit
	}()

	// Redirect log output through readline-aware writer
	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Println("Debug worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case cmd := <-commandChan:
			handleDebugCommand(cmd, registry)
		case <-ctx.Done():
			log.Println("Debug worker stopped")
			return
		}
	}
}
