package supervisor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/eventlog"
	"github.com/wrapsafe/supervisor/internal/eventstore"
	"github.com/wrapsafe/supervisor/internal/modbus"
)

func TestPulseCoilUnknownMachineErrors(t *testing.T) {
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	sup := New(&config.Config{}, store, eventlog.NewEventLogger())
	err = sup.PulseCoil("Z", CoilStart)
	assert.Error(t, err)
}

func TestPulseCoilAddressesMatchCoilLayout(t *testing.T) {
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	sup := New(&config.Config{}, store, eventlog.NewEventLogger())
	w := modbus.NewDoWorker("A-DO", config.ModbusDeviceConfig{}, nil, func(modbus.DoSnapshot) {})
	sup.doWorkers["A"] = w

	require.NoError(t, sup.PulseCoil("A", CoilStart))
	cmd := <-w.Commands()
	assert.Equal(t, 0, cmd.Addr)

	require.NoError(t, sup.PulseCoil("A", CoilStop))
	cmd = <-w.Commands()
	assert.Equal(t, 1, cmd.Addr)

	require.NoError(t, sup.PulseCoil("A", CoilReset))
	cmd = <-w.Commands()
	assert.Equal(t, 2, cmd.Addr)
}

func TestLatestAnnotatedFrameUnknownMachine(t *testing.T) {
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	sup := New(&config.Config{}, store, eventlog.NewEventLogger())
	_, ok := sup.LatestAnnotatedFrame("Z")
	assert.False(t, ok)
}
