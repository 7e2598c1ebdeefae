package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

func getStatuses(t *testing.T, s *StatusServer) []deviceStatus {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, devicesEndpoint, nil)
	s.router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var statuses []deviceStatus
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	return statuses
}

func TestStatusServer_ServesRecordedCycles(t *testing.T) {
	s := NewStatusServer(time.Minute)

	s.Record(CycleResult{
		DeviceID: "dev-1",
		Name:     "Main Meter",
		Snapshot: &onemeter.Snapshot{
			DeviceID:  "dev-1",
			Readings:  map[string]any{onemeter.OBISEnergyPlus: 12345.67},
			FetchedAt: time.Now(),
		},
	})

	statuses := getStatuses(t, s)
	assert.Len(t, statuses, 1)
	assert.Equal(t, "dev-1", statuses[0].DeviceID)
	assert.Equal(t, "Main Meter", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Empty(t, statuses[0].LastError)
	assert.Equal(t, 12345.67, statuses[0].Values["energy_plus"])
	assert.NotNil(t, statuses[0].FetchedAt)
}

func TestStatusServer_FailedCycleKeepsLastValues(t *testing.T) {
	s := NewStatusServer(time.Minute)
	prior := &onemeter.Snapshot{
		DeviceID:  "dev-1",
		Readings:  map[string]any{onemeter.OBISEnergyPlus: 100.0},
		FetchedAt: time.Now(),
	}

	s.Record(CycleResult{
		DeviceID: "dev-1",
		Name:     "Main Meter",
		Snapshot: prior,
		Err:      &CycleFailedError{DeviceID: "dev-1", Err: onemeter.ErrRateLimited},
	})

	statuses := getStatuses(t, s)
	assert.Len(t, statuses, 1)
	assert.False(t, statuses[0].Healthy)
	assert.Contains(t, statuses[0].LastError, "rate limit")
	// Values from the prior snapshot stay visible
	assert.Equal(t, 100.0, statuses[0].Values["energy_plus"])
}

func TestStatusServer_SortedAndLatestWins(t *testing.T) {
	s := NewStatusServer(time.Minute)
	s.Record(CycleResult{DeviceID: "zzz", Name: "Z", Snapshot: &onemeter.Snapshot{Readings: map[string]any{}}})
	s.Record(CycleResult{DeviceID: "aaa", Name: "A", Snapshot: &onemeter.Snapshot{Readings: map[string]any{onemeter.OBISPower: 1.0}}})
	s.Record(CycleResult{DeviceID: "aaa", Name: "A", Snapshot: &onemeter.Snapshot{Readings: map[string]any{onemeter.OBISPower: 2.0}}})

	statuses := getStatuses(t, s)
	assert.Len(t, statuses, 2)
	assert.Equal(t, "aaa", statuses[0].DeviceID)
	assert.Equal(t, 2.0, statuses[0].Values["power"])
	assert.Equal(t, "zzz", statuses[1].DeviceID)
}

func TestStatusServer_SilentDevicesAgeOut(t *testing.T) {
	s := NewStatusServer(50 * time.Millisecond)
	s.Record(CycleResult{DeviceID: "dev-1", Name: "Main", Snapshot: &onemeter.Snapshot{Readings: map[string]any{}}})

	assert.Len(t, getStatuses(t, s), 1)

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, getStatuses(t, s))
}

func TestStatusServer_NoSnapshotYet(t *testing.T) {
	s := NewStatusServer(time.Minute)
	s.Record(CycleResult{
		DeviceID: "dev-1",
		Name:     "Main",
		Err:      &CycleFailedError{DeviceID: "dev-1", Err: onemeter.ErrAuth},
	})

	statuses := getStatuses(t, s)
	assert.Len(t, statuses, 1)
	assert.False(t, statuses[0].Healthy)
	assert.Nil(t, statuses[0].FetchedAt)
	assert.Empty(t, statuses[0].Values)
}
