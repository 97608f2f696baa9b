package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNoTexts is returned when a catalogue has no usable entries.
var ErrNoTexts = errors.New("text catalogue is empty")

// MaxTextLen bounds a single challenge text, in characters.
const MaxTextLen = 2000

type textsFile struct {
	Texts []string `yaml:"texts"`
}

// Texts is a catalogue of challenge texts. It is safe for concurrent use.
type Texts struct {
	mu      sync.Mutex
	entries []string
	rng     *rand.Rand
	last    int
}

// ParseTexts builds a catalogue from YAML. Blank entries are dropped and
// whitespace runs are collapsed so every text is typeable as shown.
func ParseTexts(data []byte) (*Texts, error) {
	var f textsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse texts: %w", err)
	}

	entries := make([]string, 0, len(f.Texts))
	for i, t := range f.Texts {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		if n := len([]rune(t)); n > MaxTextLen {
			return nil, fmt.Errorf("text %d is %d characters, limit is %d", i, n, MaxTextLen)
		}
		entries = append(entries, t)
	}
	if len(entries) == 0 {
		return nil, ErrNoTexts
	}

	return &Texts{
		entries: entries,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		last:    -1,
	}, nil
}

// LoadTexts loads the challenge text catalogue.
// Search order: customPath -> ~/.sokudo/texts.yaml -> ./configs/texts.yaml -> embedded default
func LoadTexts(customPath string) (*Texts, error) {
	if customPath != "" {
		data, err := os.ReadFile(ExpandHome(customPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read texts %s: %w", customPath, err)
		}
		return ParseTexts(data)
	}

	if p := userConfigPath("texts.yaml"); p != "" {
		if data, err := os.ReadFile(p); err == nil {
			if t, err := ParseTexts(data); err == nil {
				return t, nil
			}
		}
	}

	if data, err := os.ReadFile("configs/texts.yaml"); err == nil {
		if t, err := ParseTexts(data); err == nil {
			return t, nil
		}
	}

	return ParseTexts(defaultTextsYAML)
}

// userConfigPath returns the path to a user config file, or empty if home is unavailable.
func userConfigPath(filename string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sokudo", filename)
}

// Pick returns a random text, avoiding an immediate repeat when possible.
func (t *Texts) Pick() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.rng.IntN(len(t.entries))
	if i == t.last && len(t.entries) > 1 {
		i = (i + 1) % len(t.entries)
	}
	t.last = i
	return t.entries[i]
}

// All returns a copy of every text in the catalogue.
func (t *Texts) All() []string {
	return append([]string(nil), t.entries...)
}

// Len returns the number of texts.
func (t *Texts) Len() int {
	return len(t.entries)
}
