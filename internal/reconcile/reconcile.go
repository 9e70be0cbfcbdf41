// Package reconcile maps temporary surrogate chat identifiers to the durable
// real identifiers the target application assigns, and propagates the rename
// across every folder and tag that referenced the surrogate.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"chatdex/internal/logging"
	"chatdex/internal/store"
)

// DefaultSurrogatePrefix marks ids derived from a title hash rather than
// assigned by the application.
const DefaultSurrogatePrefix = "chat_"

const surrogateHashLen = 12

// Migrator performs surrogate-to-real migrations against the store.
type Migrator struct {
	store  *store.Store
	prefix string
}

// NewMigrator creates a migrator. An empty prefix selects the default.
func NewMigrator(s *store.Store, prefix string) *Migrator {
	if prefix == "" {
		prefix = DefaultSurrogatePrefix
	}
	return &Migrator{store: s, prefix: prefix}
}

// SurrogateID derives a deterministic identifier from a normalized title
// hash: the same title always yields the same surrogate.
func (m *Migrator) SurrogateID(title string) string {
	sum := sha256.Sum256([]byte(NormalizeTitle(title)))
	return m.prefix + hex.EncodeToString(sum[:])[:surrogateHashLen]
}

// IsSurrogate reports whether id was produced by SurrogateID.
func (m *Migrator) IsSurrogate(id string) bool {
	return strings.HasPrefix(id, m.prefix) &&
		len(id) == len(m.prefix)+surrogateHashLen
}

// Migrate moves the record under surrogateID to realID: the real record is
// created or merged (existing real content wins, it is presumed fresher),
// every folder membership and tag is rewritten without duplication, and the
// surrogate record is deleted - all in one transaction.
//
// Returns false without error when the surrogate record does not exist;
// migration is a skip in that case, not a failure. Calling Migrate twice is
// therefore idempotent.
func (m *Migrator) Migrate(surrogateID, realID, title string) (bool, error) {
	migrated := false
	err := m.store.Update(func(tx *store.Tx) error {
		sur, ok, err := tx.GetChat(surrogateID)
		if err != nil {
			return err
		}
		if !ok {
			logging.Reconcile("migration skipped, surrogate %s not found", surrogateID)
			return nil
		}

		real, realExists, err := tx.GetChat(realID)
		if err != nil {
			return err
		}

		merged := store.Chat{
			ID:        realID,
			Title:     title,
			Content:   sur.Content,
			TurnCount: sur.TurnCount,
		}
		if merged.Title == "" {
			merged.Title = sur.Title
		}
		if realExists {
			if real.Title != "" {
				merged.Title = real.Title
			}
			if real.Content != "" {
				merged.Content = real.Content
				merged.TurnCount = real.TurnCount
			}
		}
		if err := tx.UpsertChat(merged); err != nil {
			return err
		}
		// Pins survive the rename.
		if sur.Pinned || (realExists && real.Pinned) {
			if err := tx.SetPinned(realID, true); err != nil {
				return err
			}
		}

		if err := tx.RewriteMembership(surrogateID, realID); err != nil {
			return err
		}
		if err := tx.RewriteTags(surrogateID, realID); err != nil {
			return err
		}
		if err := tx.DeleteChat(surrogateID); err != nil {
			return err
		}
		migrated = true
		logging.Reconcile("migrated %s -> %s (%q)", surrogateID, realID, title)
		return nil
	})
	return migrated, err
}

// NormalizeTitle lowercases and strips punctuation and whitespace, so
// cosmetic differences never change the surrogate.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// TitlesMatch reports whether two titles refer to the same conversation,
// using a normalized prefix comparison. minPrefix/maxPrefix bound the window;
// they are heuristic tuning, not a contract.
func TitlesMatch(a, b string, minPrefix, maxPrefix int) bool {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	shorter := len(na)
	if len(nb) < shorter {
		shorter = len(nb)
	}
	if shorter < minPrefix {
		return false
	}
	if shorter > maxPrefix {
		shorter = maxPrefix
	}
	return na[:shorter] == nb[:shorter]
}
