// Package retrieval turns a question into ranked, cited context blocks:
// nearest-neighbor search, cross-encoder rerank, table-aware merging, and a
// confidence gate.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// Engine executes the query path. It is read-only against the vector store
// and safe for concurrent use.
type Engine struct {
	embedder core.EmbeddingProvider
	store    core.VectorStore
	reranker core.Reranker
	cfg      config.RetrievalConfig
}

func New(embedder core.EmbeddingProvider, store core.VectorStore, reranker core.Reranker, cfg config.RetrievalConfig) *Engine {
	return &Engine{embedder: embedder, store: store, reranker: reranker, cfg: cfg}
}

// Query embeds the question, over-fetches candidates, reranks them, and
// returns the topK as merged, cited context blocks. documentID narrows the
// search to one document when non-empty. A best rerank score below the
// confidence threshold yields NoRelevantContext instead of a forced answer.
func (e *Engine) Query(ctx context.Context, text string, topK int, documentID string) (*models.RetrievalResult, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}

	vecs, err := e.embedder.EmbedTexts(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so the reranker sees a meaningful candidate pool.
	limit := topK * e.cfg.OverfetchMultiplier
	candidates, err := e.store.SearchChunks(ctx, vecs[0], limit, documentID)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(candidates) == 0 {
		return &models.RetrievalResult{NoRelevantContext: true}, nil
	}

	passages := make([]string, len(candidates))
	for i := range candidates {
		passages[i] = candidates[i].Record.Text
	}
	scores, err := e.reranker.Score(ctx, text, passages)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("rerank size mismatch: got %d want %d", len(scores), len(candidates))
	}

	ranked := make([]models.RankedChunk, len(candidates))
	for i := range candidates {
		ranked[i] = models.RankedChunk{ScoredChunk: candidates[i], RerankScore: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RerankScore != ranked[j].RerankScore {
			return ranked[i].RerankScore > ranked[j].RerankScore
		}
		return ranked[i].Similarity > ranked[j].Similarity
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	if ranked[0].RerankScore < e.cfg.ConfidenceThreshold {
		return &models.RetrievalResult{NoRelevantContext: true}, nil
	}

	return &models.RetrievalResult{Blocks: mergeBlocks(ranked)}, nil
}

// mergeBlocks folds adjacent table chunks of the same document with
// contiguous page ranges into one context block, so a table part split for
// size is never presented without its header. Block order follows the
// rerank order of each block's best part.
func mergeBlocks(ranked []models.RankedChunk) []models.ContextBlock {
	grouped := make(map[string][]models.RankedChunk)
	var docOrder []string
	for _, rc := range ranked {
		key := rc.Record.DocumentID
		if _, seen := grouped[key]; !seen {
			docOrder = append(docOrder, key)
		}
		grouped[key] = append(grouped[key], rc)
	}

	var blocks []models.ContextBlock
	for _, docID := range docOrder {
		parts := grouped[docID]
		sort.SliceStable(parts, func(i, j int) bool {
			return parts[i].Record.StartPage < parts[j].Record.StartPage
		})

		i := 0
		for i < len(parts) {
			run := []models.RankedChunk{parts[i]}
			j := i + 1
			for j < len(parts) &&
				isTable(parts[j-1].Record.Type) && isTable(parts[j].Record.Type) &&
				parts[j].Record.StartPage <= parts[j-1].Record.EndPage+1 {
				run = append(run, parts[j])
				j++
			}
			blocks = append(blocks, buildBlock(run))
			i = j
		}
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].RerankScore != blocks[j].RerankScore {
			return blocks[i].RerankScore > blocks[j].RerankScore
		}
		return blocks[i].Similarity > blocks[j].Similarity
	})
	return blocks
}

func isTable(t models.ChunkType) bool {
	return t == models.ChunkTypeTable || t == models.ChunkTypeTableDegraded
}

func buildBlock(run []models.RankedChunk) models.ContextBlock {
	first := run[0]
	block := models.ContextBlock{
		HeadingPath: first.Record.HeadingPath,
		RerankScore: first.RerankScore,
		Similarity:  first.Similarity,
		Citation: models.Citation{
			DocumentID: first.Record.DocumentID,
			StartPage:  first.Record.StartPage,
			EndPage:    first.Record.EndPage,
		},
	}

	header := tableHeaderPrefix(first.Record.Text)
	var b strings.Builder
	for i, rc := range run {
		text := rc.Record.Text
		if i > 0 {
			// Later table parts repeat the header; keep it once.
			if header != "" && strings.HasPrefix(text, header) {
				text = strings.TrimPrefix(text, header)
				text = strings.TrimLeft(text, "\n")
			}
			b.WriteString("\n")
		}
		b.WriteString(text)

		block.Citation.ChunkIDs = append(block.Citation.ChunkIDs, rc.Record.ChunkID)
		if rc.Record.StartPage < block.Citation.StartPage {
			block.Citation.StartPage = rc.Record.StartPage
		}
		if rc.Record.EndPage > block.Citation.EndPage {
			block.Citation.EndPage = rc.Record.EndPage
		}
		if rc.RerankScore > block.RerankScore {
			block.RerankScore = rc.RerankScore
		}
		if rc.Similarity > block.Similarity {
			block.Similarity = rc.Similarity
		}
	}
	block.Text = b.String()
	return block
}

// tableHeaderPrefix returns the markdown header rows plus separator of a
// table chunk, empty when the text does not open with a table.
func tableHeaderPrefix(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "|") {
		return ""
	}
	for i := 1; i < len(lines); i++ {
		if strings.Contains(lines[i], "---") {
			return strings.Join(lines[:i+1], "\n")
		}
		if !strings.HasPrefix(lines[i], "|") {
			break
		}
	}
	return ""
}

// BuildPrompt assembles the source-numbered context handed to the generation
// service. The generation step must not cite a source outside this set.
func BuildPrompt(question string, blocks []models.ContextBlock) (system string, user string) {
	system = strings.TrimSpace(`
You are a careful assistant answering questions about engineering and budget
documents. Answer ONLY from the provided context. Cite page numbers for every
figure or claim (e.g. "According to pages 45-46..."). If the context does not
contain the answer, say "I couldn't find this information in the provided
document sections." Be precise with numbers and financial figures.`)

	var b strings.Builder
	for i, blk := range blocks {
		pages := fmt.Sprintf("Page %d", blk.Citation.StartPage)
		if blk.Citation.EndPage > blk.Citation.StartPage {
			pages = fmt.Sprintf("Pages %d-%d", blk.Citation.StartPage, blk.Citation.EndPage)
		}
		section := ""
		if len(blk.HeadingPath) > 0 {
			section = " - " + strings.Join(blk.HeadingPath, " > ")
		}
		fmt.Fprintf(&b, "[Source %d: %s%s]\n%s\n\n---\n\n", i+1, pages, section, blk.Text)
	}
	user = fmt.Sprintf("Context from the document:\n\n%s\nQuestion: %s", b.String(), question)
	return system, user
}
