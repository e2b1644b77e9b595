// Package barge detects a user talking over narrated audio so playback can
// yield to them.
package barge

import (
	"strings"
	"sync"
	"time"
)

// Config holds the detector thresholds.
type Config struct {
	// Words is how many new, non-echoed words end the narration. 2-3 works
	// well for open microphones.
	Words int
}

func DefaultConfig() Config { return Config{Words: 2} }

// Trigger describes one detected interruption.
type Trigger struct {
	At    time.Time
	Words []string
}

// Detector watches the running transcript while audio is playing. Words that
// appear in the narrated text are treated as echo and ignored.
type Detector struct {
	cfg       Config
	onTrigger func(Trigger)

	mu         sync.Mutex
	speaking   bool
	fired      bool
	spoken     *bloom
	lastTokens []string
	baseline   []string
}

func NewDetector(cfg Config, onTrigger func(Trigger)) *Detector {
	if cfg.Words <= 0 {
		cfg.Words = DefaultConfig().Words
	}
	return &Detector{cfg: cfg, onTrigger: onTrigger, spoken: newBloom(4096)}
}

// SetSpeaking toggles narration. Turning it on takes the current transcript
// as the baseline; turning it off forgets the narrated words.
func (d *Detector) SetSpeaking(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaking == on {
		return
	}
	d.speaking = on
	d.fired = false
	d.baseline = d.lastTokens
	if !on {
		d.spoken = newBloom(4096)
	}
}

// NotifyTTSText registers text that is about to be narrated.
func (d *Detector) NotifyTTSText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range tokenize(text) {
		d.spoken.Add(w)
	}
}

// NotifyPartial supplies the running transcript. It fires the trigger at
// most once per narration.
func (d *Detector) NotifyPartial(text string) {
	tokens := tokenize(text)
	d.mu.Lock()
	d.lastTokens = tokens
	if !d.speaking || d.fired {
		d.mu.Unlock()
		return
	}
	var heard []string
	for _, w := range tokens[commonPrefix(d.baseline, tokens):] {
		if isStopword(w) || d.spoken.Contains(w) {
			continue
		}
		heard = append(heard, w)
	}
	if len(heard) < d.cfg.Words {
		d.mu.Unlock()
		return
	}
	d.fired = true
	fn := d.onTrigger
	d.mu.Unlock()
	if fn != nil {
		fn(Trigger{At: time.Now(), Words: heard})
	}
}

// Reset clears the baseline transcript and any pending words.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.lastTokens = nil
	d.baseline = nil
	d.fired = false
	d.mu.Unlock()
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '\'' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
}

func commonPrefix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// bloom is a tiny single-hash filter over narrated words.
type bloom struct{ bits []byte }

func newBloom(n int) *bloom { return &bloom{bits: make([]byte, n)} }

func (b *bloom) hash(s string) int {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return int(h % uint32(len(b.bits)))
}

func (b *bloom) Add(s string)           { b.bits[b.hash(s)] = 1 }
func (b *bloom) Contains(s string) bool { return b.bits[b.hash(s)] == 1 }

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um":
		return true
	}
	return false
}
