package link

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/log2"
)

func TestSysfsWatch(t *testing.T) {
	t.Parallel()

	root, err := ioutil.TempDir("", "irrigo-sysfs-")
	require.NoError(t, err)
	defer os.RemoveAll(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wlan0"), 0755))
	operstate := filepath.Join(root, "wlan0", "operstate")
	require.NoError(t, ioutil.WriteFile(operstate, []byte("down\n"), 0644))

	d := NewSysfsDriver(log2.NewTest(t, log2.LDebug), config.Link{Interface: "wlan0", PollMs: 5})
	d.Root = root
	d.HasAddr = func(string) (bool, error) { return true, nil }

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Watch(ctx, func(e Event) { events <- e })
	}()
	defer func() { cancel(); <-done }()

	expectEvent := func(expect Event) {
		t.Helper()
		select {
		case e := <-events:
			assert.Equal(t, expect, e)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event=%s", expect)
		}
	}

	require.NoError(t, ioutil.WriteFile(operstate, []byte("up\n"), 0644))
	expectEvent(EventConnected)
	require.NoError(t, ioutil.WriteFile(operstate, []byte("dormant\n"), 0644))
	expectEvent(EventLost)
}

func TestSysfsConnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := log2.NewTest(t, log2.LDebug)
	assert.NoError(t, NewSysfsDriver(log, config.Link{}).Connect(ctx))
	assert.NoError(t, NewSysfsDriver(log, config.Link{ConnectCommand: []string{"true"}}).Connect(ctx))
	assert.Error(t, NewSysfsDriver(log, config.Link{ConnectCommand: []string{"false"}}).Connect(ctx))
}

func TestSysfsWatchNoInterface(t *testing.T) {
	t.Parallel()

	d := NewSysfsDriver(log2.NewTest(t, log2.LDebug), config.Link{})
	err := d.Watch(context.Background(), func(Event) {})
	assert.Error(t, err)
}
