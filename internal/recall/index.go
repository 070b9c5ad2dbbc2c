package recall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/loomchat/loom/internal/tools"
)

const snippetLength = 200

// Index is a full-text index over persisted chat messages. It backs the
// recall_chat tool and stays in sync through the store's indexer hook.
type Index struct {
	index  bleve.Index
	logger *slog.Logger
}

type messageDoc struct {
	ChatID string `json:"chat_id"`
	Role   string `json:"role"`
	Body   string `json:"body"`
}

// Open creates or reopens the index at path. An empty path builds an
// in-memory index, which tests use.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(buildMessageMapping())
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, buildMessageMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open recall index: %w", err)
	}
	return &Index{index: idx, logger: logger}, nil
}

func buildMessageMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	chatIDField := bleve.NewTextFieldMapping()
	chatIDField.Analyzer = keyword.Name
	chatIDField.Store = true
	docMapping.AddFieldMappingsAt("chat_id", chatIDField)

	roleField := bleve.NewTextFieldMapping()
	roleField.Analyzer = keyword.Name
	roleField.Store = true
	docMapping.AddFieldMappingsAt("role", roleField)

	bodyField := bleve.NewTextFieldMapping()
	bodyField.Analyzer = standard.Name
	bodyField.Store = true
	docMapping.AddFieldMappingsAt("body", bodyField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Index implements store.MessageIndexer.
func (ix *Index) Index(chatID, messageID, role, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	doc := messageDoc{ChatID: chatID, Role: role, Body: body}
	if err := ix.index.Index(messageID, doc); err != nil {
		ix.logger.Warn("failed to index message", "message_id", messageID, "error", err)
	}
}

// Remove implements store.MessageIndexer.
func (ix *Index) Remove(messageID string) {
	if err := ix.index.Delete(messageID); err != nil {
		ix.logger.Warn("failed to remove message from index", "message_id", messageID, "error", err)
	}
}

// SearchChat implements tools.ChatSearcher.
func (ix *Index) SearchChat(ctx context.Context, chatID, query string, limit int) ([]tools.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	match := bleve.NewMatchQuery(query)
	match.SetField("body")

	chatFilter := bleve.NewTermQuery(chatID)
	chatFilter.SetField("chat_id")

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(match, chatFilter))
	req.Size = limit
	req.Fields = []string{"chat_id", "role", "body"}

	res, err := ix.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("recall search failed: %w", err)
	}

	hits := make([]tools.SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		h := tools.SearchHit{MessageID: hit.ID}
		if role, ok := hit.Fields["role"].(string); ok {
			h.Role = role
		}
		if body, ok := hit.Fields["body"].(string); ok {
			h.Snippet = snippet(body)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > snippetLength {
		return body[:snippetLength] + "…"
	}
	return body
}

func (ix *Index) Close() error {
	return ix.index.Close()
}
