package vpn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/pia-tools/systemd"
)

// fakeServices is an in-memory service manager. Units keep insertion order
// so prefix lookups behave like ListUnits.
type fakeServices struct {
	mu       sync.Mutex
	order    []string
	states   map[string]string
	pids     map[string]uint32
	nextPID  uint32
	started  []string
	stopped  []string
	startErr map[string]error
}

func newFakeServices() *fakeServices {
	return &fakeServices{
		states:   map[string]string{},
		pids:     map[string]uint32{},
		nextPID:  100,
		startErr: map[string]error{},
	}
}

func (f *fakeServices) set(name, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[name]; !ok {
		f.order = append(f.order, name)
	}
	f.states[name] = state
	if state == "active" {
		f.nextPID++
		f.pids[name] = f.nextPID
	} else {
		f.pids[name] = 0
	}
}

func (f *fakeServices) remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, name)
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func (f *fakeServices) FindUnits(_ context.Context, prefix string) ([]systemd.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var units []systemd.Unit
	for _, n := range f.order {
		if strings.HasPrefix(n, prefix) {
			units = append(units, systemd.Unit{Name: n, LoadState: "loaded", ActiveState: f.states[n]})
		}
	}
	return units, nil
}

func (f *fakeServices) IsActive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[name] == "active", nil
}

func (f *fakeServices) StartUnit(_ context.Context, name string) error {
	if err := f.startErr[name]; err != nil {
		return err
	}
	f.mu.Lock()
	f.started = append(f.started, name)
	f.mu.Unlock()
	f.set(name, "active")
	return nil
}

func (f *fakeServices) StopUnit(_ context.Context, name string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, name)
	f.mu.Unlock()
	// stopped template instances are garbage collected by systemd
	if strings.Contains(name, "@") {
		f.remove(name)
		return nil
	}
	f.set(name, "inactive")
	return nil
}

func (f *fakeServices) MainPID(_ context.Context, name string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[name]; !ok {
		return 0, errors.New("unit not loaded")
	}
	return f.pids[name], nil
}

// fakeJournal answers with canned messages for any PID of a unit.
type fakeJournal struct {
	mu       sync.Mutex
	messages map[string][]string
	matches  []systemd.Match
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{messages: map[string][]string{}}
}

func (j *fakeJournal) add(unit string, msgs ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages[unit] = append(j.messages[unit], msgs...)
}

func (j *fakeJournal) Entries(_ context.Context, m systemd.Match) ([]systemd.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.matches = append(j.matches, m)
	var out []systemd.Entry
	for _, msg := range j.messages[m.Unit] {
		out = append(out, systemd.Entry{Message: msg, Unit: m.Unit, PID: m.PID})
	}
	return out, nil
}

// connectedJournal marks every exit point as coming up instantly.
func connectedJournal(exitPoints ...string) *fakeJournal {
	j := newFakeJournal()
	for _, e := range exitPoints {
		j.add(UnitName("pia", e),
			"OpenVPN 2.6.3",
			"TUN/TAP device tun0 opened",
			"Initialization Sequence Completed")
	}
	return j
}

type fakeProbe struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *fakeProbe) Probe(context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return 10 * time.Millisecond, nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return 10 * time.Millisecond, err
}

type fakeForwarder struct {
	calls              int
	updateTransmission bool
	port               int
	err                error
}

func (f *fakeForwarder) Forward(_ context.Context, newPort, updateTransmission bool) (int, error) {
	f.calls++
	f.updateTransmission = updateTransmission
	return f.port, f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) record(e string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *fakeNotifier) Ready()            { n.record("ready") }
func (n *fakeNotifier) Status(msg string) { n.record("status: " + msg) }
func (n *fakeNotifier) Watchdog()         { n.record("watchdog") }
func (n *fakeNotifier) Stopping()         { n.record("stopping") }

func newCatalogDir(t *testing.T, exitPoints ...string) *Catalog {
	t.Helper()
	dir := t.TempDir()
	for _, e := range exitPoints {
		require.NoError(t, os.WriteFile(filepath.Join(dir, e+".ovpn"), []byte("client\nremote x 1198\n"), 0600))
	}
	return NewCatalog(dir)
}

func newTestManager(t *testing.T, services *fakeServices, journal *fakeJournal, exitPoints ...string) *Manager {
	t.Helper()
	return NewManager(services, journal, newCatalogDir(t, exitPoints...), Options{
		UnitPrefix:     "pia",
		ConnectTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
}
