package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// If function returned normally (no panic), exit the goroutine
			// This covers both context cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			// If ran for resetAfter duration before panicking, reset retry state
			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			// Check if we've exhausted retries
			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			// Wait before retry with exponential backoff
			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				// Double delay for next time, cap at max
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// validateSetup checks the API key against the cloud before any worker
// starts, keeping "invalid credentials" and "cannot connect" distinct.
func validateSetup(ctx context.Context, client *onemeter.Client, config *Config) {
	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	devices, err := ValidateCredentials(setupCtx, client)
	if err != nil {
		if errors.Is(err, ErrInvalidAuth) {
			log.Fatalf("Invalid credentials: %v", err)
		}
		log.Fatalf("OneMeter API not ready: %v", err)
	}

	known := map[string]bool{}
	for _, device := range devices {
		known[device.ID] = true
	}
	for _, device := range config.Devices {
		if !known[device.ID] {
			log.Printf("Warning: configured device %s not found in the account's device list\n", device.ID)
		}
	}
}

func main() {
	log.Println("Starting onemeter-bridge...")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	apiKey := os.Getenv("ONEMETER_API_KEY")
	mqttUsername := os.Getenv("MQTT_USERNAME")
	mqttPassword := os.Getenv("MQTT_PASSWORD")

	if apiKey == "" {
		log.Fatal("ONEMETER_API_KEY must be set in the environment or .env file")
	}
	if mqttUsername == "" || mqttPassword == "" {
		log.Fatal("MQTT_USERNAME and MQTT_PASSWORD must be set in the environment or .env file")
	}

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())

	client := onemeter.NewClientWithBaseURL(apiKey, config.APIBaseURL)
	validateSetup(ctx, client, config)

	// Create channels for communication between workers
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

	// Launch MQTT sender worker (receives client updates via channel)
	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
	})

	sender := NewMQTTSender(mqttOutgoingChan)

	// Launch MQTT connection worker
	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, config.MQTTBroker, mqttUsername, mqttPassword, config.MQTTClientID, mqttClientChan)
	})
	log.Println("MQTT workers started")

	// Status server entries outlive a couple of missed cycles, then age out
	var statusServer *StatusServer
	if config.StatusPort > 0 {
		statusServer = NewStatusServer(3 * config.RefreshInterval())
		SafeGo(ctx, cancel, "status-server", func(ctx context.Context) {
			statusServer.Run(ctx, config.StatusPort)
		})
	}

	// Build the per-device runtimes
	registry := NewRegistry()
	for _, deviceConfig := range config.Devices {
		deviceConfig.Name = deviceDisplayName(deviceConfig)
		name := deviceConfig.Name
		coordinator := NewCoordinator(client, deviceConfig.ID, name, config.RefreshInterval())
		publisher := NewHAPublisher(sender, deviceConfig.ID, name)

		coordinator.AddListener(publisher.OnCycle)
		if statusServer != nil {
			coordinator.AddListener(statusServer.Record)
		}

		if err := registry.Add(&DeviceRuntime{
			Config:      deviceConfig,
			Coordinator: coordinator,
			Publisher:   publisher,
		}); err != nil {
			cancel()
			log.Fatalf("Failed to register device: %v", err)
		}
	}

	// First refresh up front so entities appear without waiting for the
	// aligned tick; a failure here is retried on schedule.
	for _, runtime := range registry.All() {
		if err := runtime.Coordinator.Refresh(ctx); err != nil {
			log.Printf("Initial refresh failed: %v\n", err)
		}
	}

	for _, runtime := range registry.All() {
		coordinator := runtime.Coordinator
		SafeGo(ctx, cancel, runtime.Config.ID+"-coordinator", func(ctx context.Context) {
			coordinator.Run(ctx)
		})
	}
	log.Printf("Coordinators started for %d devices\n", len(registry.All()))

	// Launch debug console if requested
	if config.Debug {
		SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, cancel, registry)
		})
	}

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
	cancel()
}
