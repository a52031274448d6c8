package syncer

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/biamino/reportbot/internal/ledger"
	"github.com/biamino/reportbot/internal/taskdb"
)

// ExternalIDPrefix marks task ids minted for externally sourced tasks.
// Only rows carrying it participate in dedup: tasks entered by hand in
// the ledger are never compared against the source and never block a
// re-import.
const ExternalIDPrefix = "NOTION_"

// NormalizeKey is the dedup identity of a task: its description,
// lowercased with whitespace collapsed. Two source tasks with the same
// wording but different due dates collapse to one identity; a due-date
// edit at the source therefore does not refresh an imported row.
func NormalizeKey(description string) string {
	return strings.ToLower(strings.Join(strings.Fields(description), " "))
}

// GenerateTaskID mints a deterministic id for an externally sourced
// task, so a re-sync after a partial failure regenerates the same ids.
func GenerateTaskID(description, sourceID string) string {
	content := strings.ToLower(strings.TrimSpace(description)) + "_" + sourceID
	sum := md5.Sum([]byte(content))
	hash8 := hex.EncodeToString(sum[:])[:8]
	prefix := sourceID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return strings.ToUpper(ExternalIDPrefix + hash8 + "_" + prefix)
}

// ExistingKeys collects dedup identities from ledger rows whose id marks
// them as externally sourced.
func ExistingKeys(records []ledger.TaskRecord) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, rec := range records {
		if rec.ID == "" || rec.Description == "" {
			continue
		}
		if !strings.Contains(rec.ID, ExternalIDPrefix) {
			continue
		}
		keys[NormalizeKey(rec.Description)] = struct{}{}
	}
	return keys
}

// FilterNew returns the candidates whose identity is not in existing,
// preserving candidate order. Pure set difference, no I/O.
func FilterNew(candidates []taskdb.Task, existing map[string]struct{}) []taskdb.Task {
	var fresh []taskdb.Task
	for _, c := range candidates {
		if _, ok := existing[NormalizeKey(c.Name)]; ok {
			continue
		}
		fresh = append(fresh, c)
	}
	return fresh
}

// CleanAssigneeName reduces a source display name to a first/last name
// pair: punctuation stripped, whitespace collapsed, and exactly two
// tokens required. Anything else fails resolution; composite surnames
// are a known casualty of this heuristic.
func CleanAssigneeName(name string) (firstName, lastName string, ok bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return ' '
	}, name)
	tokens := strings.Fields(cleaned)
	if len(tokens) != 2 {
		return "", "", false
	}
	return tokens[0], tokens[1], true
}
