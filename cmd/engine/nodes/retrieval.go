package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/vectorstore"
)

const (
	defaultTopK = 5
	maxTopK     = 20
)

func retrievalSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeKnowledgeRetrieval,
		Label:        "Knowledge Retrieval",
		Icon:         "book",
		Configurable: true,
		ConfigSchema: map[string]any{
			"top_k":        map[string]any{"type": "number", "default": defaultTopK},
			"mode":         map[string]any{"type": "string", "enum": []string{"semantic"}},
			"document_ids": map[string]any{"type": "array"},
		},
		Inputs: []schema.Port{
			in("query", schema.PortString, true),
		},
		Outputs: []schema.Port{
			out("context", schema.PortString),
			out("retrieved_documents", schema.PortArray),
		},
	}
}

type retrievalConfig struct {
	TopK        int      `json:"top_k"`
	Mode        string   `json:"mode"`
	DocumentIDs []string `json:"document_ids"`
}

type retrievalNode struct {
	id  string
	cfg retrievalConfig
}

func newRetrieval(node *schema.Node) (registry.Handler, error) {
	n := &retrievalNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	if n.cfg.TopK == 0 {
		n.cfg.TopK = defaultTopK
	}
	return n, nil
}

func (n *retrievalNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	if ec.Services == nil || ec.Services.Embedder == nil || ec.Services.VectorStore == nil {
		return nil, fmt.Errorf("knowledge retrieval node %s: vector store not configured", n.id)
	}

	query, ok := stringInput(inputs, "query")
	if !ok {
		return nil, fmt.Errorf("knowledge retrieval node %s: required input %q missing", n.id, "query")
	}

	embedded, err := ec.Services.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed retrieval query: %w", err)
	}

	collection := vectorstore.Collection{BotID: ec.BotID, UserID: ec.UserID}

	// A single-document filter pushes down into the store; wider
	// filters over-fetch and trim here.
	var filter map[string]any
	topK := n.cfg.TopK
	if len(n.cfg.DocumentIDs) == 1 {
		filter = map[string]any{"document_id": n.cfg.DocumentIDs[0]}
	} else if len(n.cfg.DocumentIDs) > 1 {
		topK = maxTopK * 2
	}

	results, err := ec.Services.VectorStore.Search(ctx, collection, embedded, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("search vector store: %w", err)
	}
	results = n.trim(results)

	var texts []string
	documents := make([]any, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Text)
		documents = append(documents, map[string]any{
			"content":  r.Text,
			"metadata": r.Metadata,
			"score":    r.Score,
		})
	}

	return &registry.Result{
		Outputs: map[string]any{
			"context":             strings.Join(texts, "\n\n"),
			"retrieved_documents": documents,
		},
		ProcessData: map[string]any{"result_count": len(results)},
	}, nil
}

// trim applies the multi-document filter and the top_k cap after an
// over-fetched search.
func (n *retrievalNode) trim(results []vectorstore.Result) []vectorstore.Result {
	if len(n.cfg.DocumentIDs) > 1 {
		allowed := make(map[string]struct{}, len(n.cfg.DocumentIDs))
		for _, id := range n.cfg.DocumentIDs {
			allowed[id] = struct{}{}
		}

		filtered := results[:0]
		for _, r := range results {
			docID, _ := r.Metadata["document_id"].(string)
			if _, ok := allowed[docID]; ok {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if len(results) > n.cfg.TopK {
		results = results[:n.cfg.TopK]
	}
	return results
}

func (n *retrievalNode) ValidateStatic() error {
	if n.cfg.TopK < 1 || n.cfg.TopK > maxTopK {
		return fmt.Errorf("knowledge retrieval node %s: top_k %d out of range 1..%d", n.id, n.cfg.TopK, maxTopK)
	}
	switch n.cfg.Mode {
	case "", "semantic":
	default:
		return fmt.Errorf("knowledge retrieval node %s: unsupported mode %q", n.id, n.cfg.Mode)
	}
	return nil
}

func (n *retrievalNode) Schema() registry.NodeSchema { return retrievalSchema() }
