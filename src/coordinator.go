package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

const (
	defaultRefreshInterval = 15 * time.Minute

	// Refresh ticks land this far past the interval boundary
	// (XX:00:30, XX:15:30, ...) so the cloud has finished ingesting the
	// reading taken at the boundary.
	refreshOffset = 30 * time.Second
)

// CycleFailedError is the only error kind that crosses the coordinator
// boundary. It wraps whichever client error sank the cycle.
type CycleFailedError struct {
	DeviceID string
	Err      error
}

func (e *CycleFailedError) Error() string {
	return fmt.Sprintf("refresh cycle failed for %s: %v", e.DeviceID, e.Err)
}

func (e *CycleFailedError) Unwrap() error {
	return e.Err
}

// CycleResult is handed to listeners after every cycle. Snapshot is the
// latest successful snapshot, which on a failed cycle is the one from an
// earlier cycle (or nil if none ever succeeded).
type CycleResult struct {
	DeviceID string
	Name     string
	Snapshot *onemeter.Snapshot
	Err      *CycleFailedError
}

// UpdateListener receives cycle results. Listeners are invoked
// synchronously on the coordinator's goroutine, in registration order.
type UpdateListener func(result CycleResult)

// deviceFetcher is the slice of the API client the coordinator needs.
type deviceFetcher interface {
	DeviceSnapshot(ctx context.Context, deviceID string) (*onemeter.Snapshot, error)
	Readings(ctx context.Context, deviceID string, obisCodes []string) (map[string]any, error)
}

// Coordinator owns the refresh cycle for one device: fetch the device
// snapshot and the supplemental readings concurrently, merge them, swap
// the published snapshot atomically, and fan the result out to
// listeners. All cycles run on the Run goroutine, so at most one refresh
// is ever in flight per device.
type Coordinator struct {
	deviceID string
	name     string
	fetcher  deviceFetcher
	interval time.Duration

	mu        sync.RWMutex
	snapshot  *onemeter.Snapshot
	lastErr   *CycleFailedError
	succeeded bool
	listeners []UpdateListener

	refreshCh chan chan error
}

// NewCoordinator creates a coordinator for one device. It does not fetch
// anything until Refresh or Run is called.
func NewCoordinator(fetcher deviceFetcher, deviceID, name string, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Coordinator{
		deviceID:  deviceID,
		name:      name,
		fetcher:   fetcher,
		interval:  interval,
		refreshCh: make(chan chan error, 1),
	}
}

// AddListener registers a listener for future cycles. Must be called
// before Run starts; the listener set is fixed afterwards.
func (c *Coordinator) AddListener(listener UpdateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Snapshot returns the latest successfully published snapshot, or nil.
func (c *Coordinator) Snapshot() *onemeter.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Healthy reports whether the most recent cycle succeeded.
func (c *Coordinator) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.succeeded
}

// LastError returns the failure of the most recent cycle, nil when it
// succeeded.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastErr == nil {
		return nil
	}
	return c.lastErr
}

// DeviceID returns the device this coordinator serves.
func (c *Coordinator) DeviceID() string {
	return c.deviceID
}

// Name returns the device display name.
func (c *Coordinator) Name() string {
	return c.name
}

// Refresh runs one full cycle. Both endpoint calls must succeed for the
// cycle to publish; on any failure the partial data is discarded and the
// prior snapshot stays current.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		// Torn down, no cycle and no listener notification.
		return err
	}

	var (
		wg       sync.WaitGroup
		snap     *onemeter.Snapshot
		snapErr  error
		extra    map[string]any
		extraErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		snap, snapErr = c.fetcher.DeviceSnapshot(ctx, c.deviceID)
	}()
	go func() {
		defer wg.Done()
		extra, extraErr = c.fetcher.Readings(ctx, c.deviceID, descriptorOBISCodes())
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	if snapErr != nil || extraErr != nil {
		err := snapErr
		if err == nil {
			err = extraErr
		}
		return c.fail(err)
	}

	c.publish(mergeSnapshot(snap, extra))
	return nil
}

// mergeSnapshot backfills codes the device snapshot did not carry from
// the supplemental readings. The device snapshot wins on conflicts.
func mergeSnapshot(snap *onemeter.Snapshot, extra map[string]any) *onemeter.Snapshot {
	for code, value := range extra {
		if _, ok := snap.Readings[code]; !ok {
			snap.Readings[code] = value
		}
	}
	return snap
}

func (c *Coordinator) publish(snap *onemeter.Snapshot) {
	c.mu.Lock()
	c.snapshot = snap
	c.succeeded = true
	c.lastErr = nil
	listeners := c.listeners
	c.mu.Unlock()

	result := CycleResult{DeviceID: c.deviceID, Name: c.name, Snapshot: snap}
	for _, listener := range listeners {
		listener(result)
	}
}

func (c *Coordinator) fail(cause error) error {
	failure := &CycleFailedError{DeviceID: c.deviceID, Err: cause}

	c.mu.Lock()
	c.succeeded = false
	c.lastErr = failure
	prior := c.snapshot
	listeners := c.listeners
	c.mu.Unlock()

	result := CycleResult{DeviceID: c.deviceID, Name: c.name, Snapshot: prior, Err: failure}
	for _, listener := range listeners {
		listener(result)
	}
	return failure
}

// ForceRefresh asks the Run loop to refresh out of schedule and waits for
// the cycle to finish.
func (c *Coordinator) ForceRefresh() error {
	reply := make(chan error, 1)
	c.refreshCh <- reply
	return <-reply
}

// Run drives the refresh cycle until ctx is cancelled. Ticks are aligned
// to the refresh interval plus the offset, matching the cadence the
// OneMeter cloud documents.
func (c *Coordinator) Run(ctx context.Context) {
	timer := time.NewTimer(nextRefreshDelay(time.Now(), c.interval))
	defer timer.Stop()

	log.Printf("%s: coordinator started (interval %s)\n", c.name, c.interval)

	for {
		select {
		case <-timer.C:
			if err := c.Refresh(ctx); err != nil {
				log.Printf("%s: %v\n", c.name, err)
			}
			timer.Reset(nextRefreshDelay(time.Now(), c.interval))

		case reply := <-c.refreshCh:
			reply <- c.Refresh(ctx)

		case <-ctx.Done():
			log.Printf("%s: coordinator stopped\n", c.name)
			return
		}
	}
}

// nextRefreshDelay returns the wait until the next aligned tick: the next
// interval boundary plus refreshOffset. Ticks closer than 5 seconds are
// skipped to the following boundary so a slow cycle cannot double-fire.
func nextRefreshDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	next := now.Truncate(interval).Add(refreshOffset)
	for next.Sub(now) < 5*time.Second {
		next = next.Add(interval)
	}
	return next.Sub(now)
}
