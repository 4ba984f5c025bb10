package preview

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// -------------------- Hot-swap config --------------------

// PreferredPatterns: outputs matching any of these are picked first.
var PreferredPatterns = []string{"FluidSynth", "TiMidity", "Microsoft GS", "Synth"}

// ExcludedPatterns: virtual/system ports that are never auto-connected.
var ExcludedPatterns = []string{"Midi Through", "Through Port", "Dummy"}

const RescanInterval = 1000 * time.Millisecond

var ErrNoOutput = errors.New("preview: no midi output connected")

// -------------------- Watcher --------------------

// Watcher keeps a connection to the preferred MIDI output of a driver and
// follows hot-plug and hot-unplug.
//
// onDisconnect is called (from a goroutine) when the active output is lost.
type Watcher struct {
	mu           sync.Mutex
	drv          drivers.Driver
	match        string
	out          drivers.Out
	connected    bool
	selectedName string
	lastRescanAt time.Time

	onDisconnect func()
	log          *slog.Logger
}

// NewWatcher watches the outputs of drv. A non-empty match restricts the
// candidates to outputs whose name contains it.
func NewWatcher(drv drivers.Driver, match string, onDisconnect func(), log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{drv: drv, match: match, onDisconnect: onDisconnect, log: log}
}

// Close shuts down the active output and the driver.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeConn()
	return w.drv.Close()
}

func (w *Watcher) Connected() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectedName, w.connected
}

// Tick should be called on a regular interval from the main loop. It scans
// for outputs, connects to a preferred one and detects disappearances.
func (w *Watcher) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.lastRescanAt.IsZero() && now.Sub(w.lastRescanAt) < RescanInterval {
		return
	}
	w.lastRescanAt = now

	outputs := w.listOutputs()

	if w.connected {
		for _, n := range outputs {
			if n == w.selectedName {
				return
			}
		}
		w.log.Warn("midi: output disappeared", "device", w.selectedName)
		w.lost()
		return
	}

	cand, ok := w.pickPreferred(outputs)
	if !ok {
		return
	}
	if err := w.openByName(cand); err != nil {
		w.log.Error("midi: connect failed", "device", cand, "err", err)
	}
}

// Send writes msg to the connected output. A failed write drops the
// connection so the next Tick looks for an output again.
func (w *Watcher) Send(msg midi.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return ErrNoOutput
	}
	if err := w.out.Send(msg); err != nil {
		w.log.Warn("midi: send failed", "device", w.selectedName, "err", err)
		w.lost()
		return fmt.Errorf("send to %s: %w", w.selectedName, err)
	}
	return nil
}

// -------------------- internal --------------------

// lost closes the connection and schedules an immediate rescan.
func (w *Watcher) lost() {
	w.closeConn()
	w.lastRescanAt = time.Time{}
	if w.onDisconnect != nil {
		go w.onDisconnect()
	}
}

func (w *Watcher) listOutputs() []string {
	outs, err := w.drv.Outs()
	if err != nil {
		w.log.Error("midi: list outputs failed", "err", err)
		return nil
	}
	var names []string
	for _, out := range outs {
		name := out.String()
		if excluded(name) {
			w.log.Debug("midi: output excluded", "device", name)
			continue
		}
		if w.match != "" && !containsCI(name, w.match) {
			continue
		}
		names = append(names, name)
	}
	w.log.Debug("midi: outputs found", "count", len(names), "devices", strings.Join(names, ", "))
	return names
}

func excluded(name string) bool {
	for _, pat := range ExcludedPatterns {
		if containsCI(name, pat) {
			return true
		}
	}
	return false
}

// pickPreferred takes the first output matching a preferred pattern, or the
// only output when there is exactly one.
func (w *Watcher) pickPreferred(outputs []string) (string, bool) {
	for _, pat := range PreferredPatterns {
		for _, name := range outputs {
			if containsCI(name, pat) {
				return name, true
			}
		}
	}
	if len(outputs) == 1 || (w.match != "" && len(outputs) > 0) {
		return outputs[0], true
	}
	return "", false
}

func (w *Watcher) closeConn() {
	if w.out != nil {
		_ = w.out.Close()
		w.out = nil
	}
	w.connected = false
	w.selectedName = ""
}

func (w *Watcher) openByName(name string) error {
	outs, err := w.drv.Outs()
	if err != nil {
		return err
	}
	var found drivers.Out
	for _, out := range outs {
		if out.String() == name {
			found = out
			break
		}
	}
	if found == nil {
		return fmt.Errorf("output %q not found", name)
	}
	if err := found.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}
	w.out = found
	w.connected = true
	w.selectedName = name
	w.log.Info("midi: connected", "device", name)
	return nil
}

// -------------------- utility --------------------

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
