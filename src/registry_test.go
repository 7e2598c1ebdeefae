package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SaDiablo/onemeter-bridge/src/onemeter"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()

	runtime := &DeviceRuntime{Config: DeviceConfig{ID: "dev-1", Name: "Main"}}
	assert.NoError(t, r.Add(runtime))

	got, ok := r.Get("dev-1")
	assert.True(t, ok)
	assert.Equal(t, runtime, got)

	// Duplicate registration is a config error
	assert.Error(t, r.Add(&DeviceRuntime{Config: DeviceConfig{ID: "dev-1"}}))

	r.Remove("dev-1")
	_, ok = r.Get("dev-1")
	assert.False(t, ok)
}

func TestRegistry_AllSortedByID(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Add(&DeviceRuntime{Config: DeviceConfig{ID: "zzz"}}))
	assert.NoError(t, r.Add(&DeviceRuntime{Config: DeviceConfig{ID: "aaa"}}))

	all := r.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "aaa", all[0].Config.ID)
	assert.Equal(t, "zzz", all[1].Config.ID)
}

type fakeLister struct {
	devices []onemeter.Device
	err     error
}

func (f *fakeLister) Devices(context.Context) ([]onemeter.Device, error) {
	return f.devices, f.err
}

func TestValidateCredentials_AuthErrorIsInvalidAuth(t *testing.T) {
	_, err := ValidateCredentials(context.Background(), &fakeLister{err: onemeter.ErrAuth})

	// A rejected key must never look like a connectivity problem
	assert.ErrorIs(t, err, ErrInvalidAuth)
	assert.NotErrorIs(t, err, ErrNotReady)
}

func TestValidateCredentials_ServerErrorIsNotReady(t *testing.T) {
	_, err := ValidateCredentials(context.Background(), &fakeLister{err: &onemeter.ServerError{StatusCode: 502}})

	assert.ErrorIs(t, err, ErrNotReady)
	assert.NotErrorIs(t, err, ErrInvalidAuth)
}

func TestValidateCredentials_ReturnsDeviceList(t *testing.T) {
	lister := &fakeLister{devices: []onemeter.Device{{ID: "dev-1"}}}

	devices, err := ValidateCredentials(context.Background(), lister)

	assert.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].ID)
}
