package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/config"
	"github.com/roach88/meshcal/internal/testutil"
	"github.com/roach88/meshcal/internal/transport"
	"github.com/roach88/meshcal/internal/transport/memnet"
)

// testClock is where the shared harness clock starts.
var testClock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// harness runs CLI commands for several simulated devices. Devices differ
// only by database; they share one in-process network.
type harness struct {
	t       *testing.T
	dir     string
	cfgPath string
	net     *memnet.Network
	factory NodeFactory

	// clock is shared by all devices and advances a millisecond per read,
	// so envelope timestamps keep increasing from one command to the next.
	clock *testutil.DeterministicClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`data_dir: %s
share_base_url: "meshcal://join"
transport:
  kind: memory
sync:
  unshare_grace: 50ms
  resync_schedule: "off"
log:
  level: error
`, dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	h := &harness{
		t:       t,
		dir:     dir,
		cfgPath: cfgPath,
		net:     memnet.NewNetwork(),
		clock:   testutil.NewDeterministicClock(testClock, time.Millisecond),
	}
	h.factory = func(*config.Config, *slog.Logger) (transport.Node, error) {
		return h.net.NewNode("device"), nil
	}
	return h
}

// db returns the database path of a named device.
func (h *harness) db(device string) string {
	return filepath.Join(h.dir, device+".db")
}

func (h *harness) options(device string) *RootOptions {
	return &RootOptions{
		ConfigPath: h.cfgPath,
		Database:   h.db(device),
		NewNode:    h.factory,
		Now:        h.clock.Now,
	}
}

// exec runs one command line as device and returns stdout.
func (h *harness) exec(device string, args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommandWithOptions(h.options(device))
	cmd.SetArgs(append([]string{"--config", h.cfgPath, "--db", h.db(device), "--timeout", "5s"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	if err != nil && errOut.Len() > 0 {
		h.t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}

// run is exec that fails the test on error.
func (h *harness) run(device string, args ...string) string {
	h.t.Helper()
	out, err := h.exec(device, args...)
	require.NoError(h.t, err, "meshcal %s", strings.Join(args, " "))
	return out
}

// loaded returns device options with the config already loaded, for tests
// that call command internals directly.
func (h *harness) loaded(t *testing.T, device string) *RootOptions {
	t.Helper()
	opts := h.options(device)
	opts.Timeout = 5 * time.Second
	cmd := NewRootCommandWithOptions(opts)
	cmd.SetErr(io.Discard)
	require.NoError(t, opts.load(cmd))
	return opts
}
