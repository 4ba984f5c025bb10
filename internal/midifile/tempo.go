package midifile

import "sort"

// DefaultTempo is 120 BPM in microseconds per quarter note.
const DefaultTempo = 500000

type tempoChange struct {
	tick uint64
	usPQ uint32
}

// tempoMap converts absolute ticks to absolute time. Each span between
// changes is timed with the tempo active over that span.
type tempoMap struct {
	ticksPQN uint16
	changes  []tempoChange // sorted by tick, first entry at tick 0
	startUs  []float64     // absolute µs at changes[i].tick
}

func (m *tempoMap) add(tick uint64, usPQ uint32) {
	m.changes = append(m.changes, tempoChange{tick: tick, usPQ: usPQ})
}

// build sorts the changes and precomputes the absolute time of each one.
// Later changes at the same tick win.
func (m *tempoMap) build() {
	sort.SliceStable(m.changes, func(i, j int) bool { return m.changes[i].tick < m.changes[j].tick })
	merged := []tempoChange{{tick: 0, usPQ: DefaultTempo}}
	for _, c := range m.changes {
		if last := &merged[len(merged)-1]; last.tick == c.tick {
			last.usPQ = c.usPQ
			continue
		}
		merged = append(merged, c)
	}
	m.changes = merged
	m.startUs = make([]float64, len(merged))
	for i := 1; i < len(merged); i++ {
		prev := merged[i-1]
		m.startUs[i] = m.startUs[i-1] + m.spanUs(merged[i].tick-prev.tick, prev.usPQ)
	}
}

func (m *tempoMap) spanUs(ticks uint64, usPQ uint32) float64 {
	return float64(ticks) * float64(usPQ) / float64(m.ticksPQN)
}

// us returns the absolute time of tick in microseconds.
func (m *tempoMap) us(tick uint64) float64 {
	i := sort.Search(len(m.changes), func(i int) bool { return m.changes[i].tick > tick }) - 1
	c := m.changes[i]
	return m.startUs[i] + m.spanUs(tick-c.tick, c.usPQ)
}

// ms returns the absolute time of tick in milliseconds.
func (m *tempoMap) ms(tick uint64) float64 {
	return m.us(tick) / 1000
}
