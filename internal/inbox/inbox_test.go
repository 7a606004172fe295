package inbox

import (
	"testing"
	"time"

	"github.com/kindling/messaging/internal/message"
)

func entryWithMessage(matchID string, at time.Time) Entry {
	return Entry{
		MatchID:     matchID,
		LastMessage: &message.Message{ID: "msg-" + matchID, MatchID: matchID, CreatedAt: at},
	}
}

func TestSortEntries_NewestFirst(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		entryWithMessage("m-old", base.Add(-2*time.Hour)),
		entryWithMessage("m-new", base),
		entryWithMessage("m-mid", base.Add(-1*time.Hour)),
	}

	SortEntries(entries)

	want := []string{"m-new", "m-mid", "m-old"}
	for i, id := range want {
		if entries[i].MatchID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, entries[i].MatchID)
		}
	}
}

func TestSortEntries_EmptyMatchesLast(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{MatchID: "m-empty-b"},
		entryWithMessage("m-active", base),
		{MatchID: "m-empty-a"},
	}

	SortEntries(entries)

	if entries[0].MatchID != "m-active" {
		t.Fatalf("expected the active match first, got %s", entries[0].MatchID)
	}
	// Matches without messages sort among themselves by match ID.
	if entries[1].MatchID != "m-empty-a" || entries[2].MatchID != "m-empty-b" {
		t.Errorf("empty matches out of order: %s, %s", entries[1].MatchID, entries[2].MatchID)
	}
}

func TestSortEntries_TimestampTieBreaksOnMatchID(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		entryWithMessage("m-bbb", at),
		entryWithMessage("m-aaa", at),
	}

	SortEntries(entries)

	if entries[0].MatchID != "m-aaa" || entries[1].MatchID != "m-bbb" {
		t.Errorf("tie should break on match ID ascending: %s, %s",
			entries[0].MatchID, entries[1].MatchID)
	}
}

func TestSortEntries_Empty(t *testing.T) {
	// Should not panic.
	SortEntries(nil)
	SortEntries([]Entry{})
}
