package normalize

import (
	"strings"
	"sync"

	"github.com/wolfeidau/rosterd/internal/models"
)

// defaultVocabulary is the built-in table. It is always the fallback,
// even when a vocab.yaml override is loaded (see vocab_config.go).
var defaultVocabulary = map[models.Status][]string{
	models.StatusActive: {
		"active", "employed", "current", "working", "full-time", "fulltime",
		"part-time", "parttime", "contractor", "consultant", "intern",
	},
	models.StatusInactive: {
		"inactive", "on leave", "onleave", "leave", "sabbatical", "maternity",
		"paternity", "medical", "suspended",
	},
	models.StatusLeft: {
		"left", "terminated", "former", "resigned", "retired", "departed",
		"exited", "quit", "fired", "removed",
	},
}

// Normalizer maps free-form status strings to the store's canonical
// three-state status. It is safe for concurrent use; a vocab.yaml reload
// (see vocab_config.go) swaps the table under a lock.
type Normalizer struct {
	mu    sync.RWMutex
	vocab map[models.Status][]string
}

func NewNormalizer() *Normalizer {
	return &Normalizer{vocab: defaultVocabulary}
}

// SetVocabulary replaces the vocabulary table, e.g. from a hot-reloaded
// vocab.yaml. Canonical statuses absent from the new table keep their
// built-in words so an override file only needs to list additions.
func (n *Normalizer) SetVocabulary(overrides map[models.Status][]string) {
	merged := make(map[models.Status][]string, len(defaultVocabulary))
	for status, words := range defaultVocabulary {
		merged[status] = append([]string(nil), words...)
	}
	for status, words := range overrides {
		merged[status] = append(merged[status], words...)
	}

	n.mu.Lock()
	n.vocab = merged
	n.mu.Unlock()
}

// Normalize maps a free-form status string to the canonical status.
// Matching is case-insensitive, exact match first, then substring match
// against the vocabulary. Empty/null defaults to active; unknown
// non-empty defaults to inactive. Normalize is idempotent: Normalize is
// closed over {active, inactive, left}, and each of those words is itself
// in the active/inactive/left list respectively, so re-normalizing a
// canonical value returns it unchanged.
func (n *Normalizer) Normalize(raw string) models.Status {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return models.StatusActive
	}
	lower := strings.ToLower(trimmed)

	n.mu.RLock()
	vocab := n.vocab
	n.mu.RUnlock()

	// exact match first
	for _, status := range []models.Status{models.StatusActive, models.StatusInactive, models.StatusLeft} {
		for _, word := range vocab[status] {
			if lower == word {
				return status
			}
		}
	}

	// substring match against the vocabulary
	for _, status := range []models.Status{models.StatusActive, models.StatusInactive, models.StatusLeft} {
		for _, word := range vocab[status] {
			if strings.Contains(lower, word) {
				return status
			}
		}
	}

	return models.StatusInactive
}
