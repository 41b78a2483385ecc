package vault

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/cases"

	"pqchat/models"
	"pqchat/storage"
)

const (
	scorePerMatch     = 10
	bonusExact        = 50
	bonusPrefix       = 30
	bonusSubstring    = 20
	bonusSameDay      = 20
	bonusSameWeek     = 10
	bonusSameMonth    = 5
	bonusPlainText    = 5
	minKeywordLength  = 2
	rebuildBatchLimit = 500
)

// SearchOptions narrows a search.
type SearchOptions struct {
	ConversationID string
	SenderID       string
	Types          []models.MessageType
	Limit          int
}

// SearchResult is one scored hit.
type SearchResult struct {
	Entry models.SearchEntry
	Score int
}

type indexedEntry struct {
	entry  models.SearchEntry
	folded string
}

type searchIndex struct {
	mu      sync.RWMutex
	entries map[string]indexedEntry
}

func newSearchIndex() *searchIndex {
	return &searchIndex{entries: make(map[string]indexedEntry)}
}

func (idx *searchIndex) put(msg *models.Message) {
	entry := searchEntryFor(msg)
	idx.mu.Lock()
	idx.entries[msg.ID] = indexedEntry{entry: entry, folded: fold(entry.Content)}
	idx.mu.Unlock()
}

func (idx *searchIndex) remove(id string) {
	idx.mu.Lock()
	delete(idx.entries, id)
	idx.mu.Unlock()
}

func (idx *searchIndex) removeConversation(conversationID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removed []string
	for id, e := range idx.entries {
		if e.entry.ConversationID == conversationID {
			delete(idx.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (idx *searchIndex) replace(entries map[string]indexedEntry) {
	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()
}

func (idx *searchIndex) len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Search returns messages matching any query term, best first.
func (v *Vault) Search(query string, opts SearchOptions) []SearchResult {
	terms := strings.Fields(fold(query))
	if len(terms) == 0 {
		return nil
	}
	now := v.now()

	v.index.mu.RLock()
	results := make([]SearchResult, 0)
	for _, e := range v.index.entries {
		if !opts.matches(e.entry) {
			continue
		}
		if score := scoreEntry(e, terms, now); score > 0 {
			results = append(results, SearchResult{Entry: e.entry, Score: score})
		}
	}
	v.index.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Entry.Timestamp.Equal(results[j].Entry.Timestamp) {
			return results[i].Entry.Timestamp.After(results[j].Entry.Timestamp)
		}
		return results[i].Entry.MessageID < results[j].Entry.MessageID
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

func (o SearchOptions) matches(entry models.SearchEntry) bool {
	if o.ConversationID != "" && entry.ConversationID != o.ConversationID {
		return false
	}
	if o.SenderID != "" && entry.SenderID != o.SenderID {
		return false
	}
	if len(o.Types) == 0 {
		return true
	}
	for _, t := range o.Types {
		if entry.Type == t {
			return true
		}
	}
	return false
}

// scoreEntry returns 0 when no term matches.
func scoreEntry(e indexedEntry, terms []string, now time.Time) int {
	matches, bonus := 0, 0
	for _, term := range terms {
		matched := strings.Contains(e.folded, term)
		best := 0
		if matched {
			best = bonusSubstring
		}
		for _, kw := range e.entry.Keywords {
			switch {
			case kw == term:
				best = bonusExact
			case strings.HasPrefix(kw, term):
				if best < bonusPrefix {
					best = bonusPrefix
				}
			case strings.Contains(kw, term):
				if best < bonusSubstring {
					best = bonusSubstring
				}
			default:
				continue
			}
			matched = true
			if best == bonusExact {
				break
			}
		}
		if matched {
			matches++
			bonus += best
		}
	}
	if matches == 0 {
		return 0
	}

	score := matches*scorePerMatch + bonus
	switch age := now.Sub(e.entry.Timestamp); {
	case age < 24*time.Hour:
		score += bonusSameDay
	case age < 7*24*time.Hour:
		score += bonusSameWeek
	case age < 30*24*time.Hour:
		score += bonusSameMonth
	}
	if e.entry.Type == models.MessageTypeText {
		score += bonusPlainText
	}
	return score
}

// RebuildIndex discards the search index and regenerates it from every
// live stored message.
func (v *Vault) RebuildIndex() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rebuildIndex()
}

func (v *Vault) rebuildIndex() error {
	entries := make(map[string]indexedEntry)
	for offset := 0; ; offset += rebuildBatchLimit {
		records, err := v.store.QueryMessages(storage.MessageQuery{
			Ascending: true,
			Limit:     rebuildBatchLimit,
			Offset:    offset,
		})
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		for i := range records {
			msg, err := v.openMessage(&records[i])
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			entry := searchEntryFor(msg)
			entries[msg.ID] = indexedEntry{entry: entry, folded: fold(entry.Content)}
		}
		if len(records) < rebuildBatchLimit {
			break
		}
	}

	v.index.replace(entries)
	v.log.WithField("entries", len(entries)).Debug("Rebuilt search index")
	return nil
}

func searchEntryFor(msg *models.Message) models.SearchEntry {
	text := searchableText(msg)
	participants := append([]string{msg.Metadata.SenderID}, msg.Metadata.RecipientIDs...)
	return models.SearchEntry{
		MessageID:      msg.ID,
		ConversationID: msg.Metadata.ConversationID,
		SenderID:       msg.Metadata.SenderID,
		Content:        text,
		Keywords:       keywords(text, msg.Metadata.Mentions),
		Type:           msg.Type,
		Timestamp:      msg.CreatedAt,
		Participants:   participants,
	}
}

func searchableText(msg *models.Message) string {
	switch msg.Type {
	case models.MessageTypeText, models.MessageTypeEphemeral:
		return string(msg.Content.Data)
	case models.MessageTypeImage, models.MessageTypeFile:
		return strings.TrimSpace(msg.Content.FileName + " " + msg.Content.MimeType)
	case models.MessageTypeVoice:
		return "voice message"
	case models.MessageTypeVideo:
		return "video message"
	case models.MessageTypeSystem:
		return "system message"
	default:
		return ""
	}
}

func keywords(text string, extra []string) []string {
	words := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, e := range extra {
		words = append(words, fold(e))
	}

	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len([]rune(w)) < minKeywordLength {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// fold lowercases s with full Unicode case folding. Casers are not safe
// for concurrent use, so one is built per call.
func fold(s string) string {
	return cases.Fold().String(s)
}
