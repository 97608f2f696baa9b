package tui

import "time"

// typingState tracks a local typing run against the challenge text.
type typingState struct {
	target     []rune
	typed      []rune
	keystrokes int
	mistakes   int
	started    time.Time
}

func newTypingState(text string, started time.Time) typingState {
	return typingState{target: []rune(text), started: started}
}

// Type appends r. Wrong runes are kept so the typist has to erase them.
func (t *typingState) Type(r rune) {
	if t.Complete() || len(t.typed) >= len(t.target) {
		return
	}
	t.keystrokes++
	if r != t.target[len(t.typed)] {
		t.mistakes++
	}
	t.typed = append(t.typed, r)
}

// Backspace removes the last typed rune.
func (t *typingState) Backspace() {
	if len(t.typed) > 0 && !t.Complete() {
		t.typed = t.typed[:len(t.typed)-1]
	}
}

// CharsCorrect is the length of the correctly typed prefix.
func (t *typingState) CharsCorrect() int {
	n := 0
	for n < len(t.typed) && t.typed[n] == t.target[n] {
		n++
	}
	return n
}

// Complete reports whether the whole text was typed correctly.
func (t *typingState) Complete() bool {
	return len(t.target) > 0 && t.CharsCorrect() == len(t.target)
}

// Accuracy is the percentage of keystrokes that were right.
func (t *typingState) Accuracy() float64 {
	if t.keystrokes == 0 {
		return 100
	}
	return float64(t.keystrokes-t.mistakes) / float64(t.keystrokes) * 100
}

// WPM uses five characters per word.
func (t *typingState) WPM(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(t.CharsCorrect()) / 5 / elapsed.Minutes()
}

// Elapsed is the time since the race started, never negative.
func (t *typingState) Elapsed(now time.Time) time.Duration {
	if d := now.Sub(t.started); d > 0 {
		return d
	}
	return 0
}
