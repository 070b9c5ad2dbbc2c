package recall

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open("", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestSearchChatScopesByChat(t *testing.T) {
	ix := newTestIndex(t)
	ix.Index("chat-1", "m1", "user", "let's talk about capybaras today")
	ix.Index("chat-1", "m2", "assistant", "capybaras are the largest rodents")
	ix.Index("chat-2", "m3", "user", "capybaras again in another chat")

	hits, err := ix.SearchChat(context.Background(), "chat-1", "capybaras", 10)
	if err != nil {
		t.Fatalf("SearchChat failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	for _, h := range hits {
		if h.MessageID == "m3" {
			t.Error("hit from another chat leaked into results")
		}
		if h.Role == "" || h.Snippet == "" {
			t.Errorf("hit missing stored fields: %+v", h)
		}
	}
}

func TestSearchChatLimit(t *testing.T) {
	ix := newTestIndex(t)
	for i := 0; i < 8; i++ {
		ix.Index("chat-1", string(rune('a'+i)), "user", "repeated topic of llamas")
	}
	hits, err := ix.SearchChat(context.Background(), "chat-1", "llamas", 3)
	if err != nil {
		t.Fatalf("SearchChat failed: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("got %d hits, want 3", len(hits))
	}
}

func TestRemove(t *testing.T) {
	ix := newTestIndex(t)
	ix.Index("chat-1", "m1", "user", "the topic is ferrets")
	ix.Remove("m1")

	hits, err := ix.SearchChat(context.Background(), "chat-1", "ferrets", 5)
	if err != nil {
		t.Fatalf("SearchChat failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("removed message still returned: %+v", hits)
	}
}

func TestIndexSkipsEmptyBody(t *testing.T) {
	ix := newTestIndex(t)
	ix.Index("chat-1", "m1", "user", "   ")
	hits, err := ix.SearchChat(context.Background(), "chat-1", "anything", 5)
	if err != nil {
		t.Fatalf("SearchChat failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("blank body was indexed: %+v", hits)
	}
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.bleve")
	ix, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ix.Index("chat-1", "m1", "user", "persistent penguins")
	if err := ix.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ix, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer ix.Close()
	hits, err := ix.SearchChat(context.Background(), "chat-1", "penguins", 5)
	if err != nil {
		t.Fatalf("SearchChat failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits after reopen, want 1", len(hits))
	}
}

func TestSnippetTruncation(t *testing.T) {
	long := strings.Repeat("word ", 100)
	s := snippet(long)
	if len(s) > snippetLength+len("…") {
		t.Errorf("snippet length = %d", len(s))
	}
	if !strings.HasSuffix(s, "…") {
		t.Errorf("snippet not marked truncated: %q", s)
	}
}
