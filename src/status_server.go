package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	ttlcache "github.com/jellydator/ttlcache/v2"
)

const devicesEndpoint = "/bridge/v1/devices"

// deviceStatus is the per-device JSON the status endpoint serves.
type deviceStatus struct {
	DeviceID  string         `json:"device_id"`
	Name      string         `json:"name"`
	Healthy   bool           `json:"healthy"`
	LastError string         `json:"last_error,omitempty"`
	FetchedAt *time.Time     `json:"fetched_at,omitempty"`
	Values    map[string]any `json:"values"`
}

// StatusServer exposes the bridge's latest per-device state over HTTP.
// Entries live in a TTL cache so devices whose coordinator stopped
// reporting age out of the response instead of serving stale data
// forever. It is registered as a coordinator listener.
type StatusServer struct {
	cache *ttlcache.Cache
}

// NewStatusServer creates a status server whose entries expire after ttl.
func NewStatusServer(ttl time.Duration) *StatusServer {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	cache.SkipTTLExtensionOnHit(true)
	return &StatusServer{cache: cache}
}

// Record implements UpdateListener.
func (s *StatusServer) Record(result CycleResult) {
	status := &deviceStatus{
		DeviceID: result.DeviceID,
		Name:     result.Name,
		Healthy:  result.Err == nil,
		Values:   map[string]any{},
	}
	if result.Err != nil {
		status.LastError = result.Err.Error()
	}
	// On a failed cycle the snapshot is the prior one; its values are
	// still the latest known readings.
	if result.Snapshot != nil {
		fetchedAt := result.Snapshot.FetchedAt
		status.FetchedAt = &fetchedAt
		for _, desc := range sensorDescriptors {
			if value, ok := SensorValue(desc, result.Snapshot); ok {
				status.Values[desc.Key] = value
			}
		}
	}
	s.cache.Set(result.DeviceID, status)
}

func (s *StatusServer) devicesHandler(ctx *gin.Context) {
	statuses := []*deviceStatus{}
	for _, item := range s.cache.GetItems() {
		statuses = append(statuses, item.(*deviceStatus))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].DeviceID < statuses[j].DeviceID
	})

	ctx.JSON(http.StatusOK, statuses)
}

// router builds the gin handler, split out so tests can drive it with
// httptest.
func (s *StatusServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET(devicesEndpoint, s.devicesHandler)
	return router
}

// Run serves the status endpoint until ctx is cancelled.
func (s *StatusServer) Run(ctx context.Context, port int) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Status server listening on :%d\n", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Status server error: %v\n", err)
	}
	log.Println("Status server stopped")
}
