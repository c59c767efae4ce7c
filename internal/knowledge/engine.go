// Package knowledge implements hybrid retrieval over tenant knowledge:
// curated QA pairs first, then vector similarity, then lexical scoring, with
// results merged vector-first and deduplicated by item ID.
package knowledge

import (
	"context"
	"sort"
	"strings"

	"convoguard/internal/embedding"
	"convoguard/internal/logging"
	"convoguard/internal/textutil"
	"convoguard/internal/types"
)

// Retrieval thresholds. QA matching is deliberately forgiving so curated
// answers win over fuzzy retrieval whenever the question is recognizably
// the same.
const (
	qaBigramThreshold   = 0.45
	qaSequenceThreshold = 0.5
	vectorThreshold     = 0.4
	titleSubstringBonus = 0.6
	contentSubstrBonus  = 0.3
	sequenceFallbackMul = 0.5
)

// Hit is one retrieval result.
type Hit struct {
	Item   types.KnowledgeItem
	Score  float64
	Source string // "qa", "vector", or "lexical"
}

// VectorSource supplies stored embeddings for a tenant's items.
type VectorSource interface {
	GetVectors(ctx context.Context, tenant string) (map[string][]float32, error)
}

// Engine performs retrieval. Embedder and Vectors are optional; without
// them retrieval degrades to QA + lexical.
type Engine struct {
	Embedder embedding.Embedder
	Vectors  VectorSource

	// QAPairs are file-loaded pairs checked in addition to QA-like items.
	QAPairs []QAPair
}

// NewEngine creates a retrieval engine.
func NewEngine(embedder embedding.Embedder, vectors VectorSource) *Engine {
	return &Engine{Embedder: embedder, Vectors: vectors}
}

// Retrieve returns up to topN hits for query over items.
func (e *Engine) Retrieve(ctx context.Context, tenant, query string, items []types.KnowledgeItem, topN int) []Hit {
	if topN <= 0 {
		topN = 3
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	// Stage 1: curated QA. An exact-enough question match short-circuits
	// everything else with a single synthetic hit.
	if hit, ok := e.matchQA(query, items); ok {
		logging.Knowledge("QA hit for query %q", query)
		return []Hit{hit}
	}

	// Stage 2: vector similarity.
	vectorHits := e.vectorSearch(ctx, tenant, query, items, topN*2)

	// Stage 3: lexical scoring.
	lexicalHits := lexicalSearch(query, items)

	// Merge vector-first, dedup by item ID, truncate.
	seen := make(map[string]struct{}, topN)
	merged := make([]Hit, 0, topN)
	for _, h := range vectorHits {
		if _, dup := seen[h.Item.ID]; dup {
			continue
		}
		seen[h.Item.ID] = struct{}{}
		merged = append(merged, h)
		if len(merged) >= topN {
			return merged
		}
	}
	for _, h := range lexicalHits {
		if _, dup := seen[h.Item.ID]; dup {
			continue
		}
		seen[h.Item.ID] = struct{}{}
		merged = append(merged, h)
		if len(merged) >= topN {
			break
		}
	}
	return merged
}

// =============================================================================
// QA MATCHING
// =============================================================================

func (e *Engine) matchQA(query string, items []types.KnowledgeItem) (Hit, bool) {
	normQuery := textutil.Normalize(query)
	if normQuery == "" {
		return Hit{}, false
	}
	queryBigrams := textutil.Bigrams(normQuery)

	pairs := append(qaPairsFromItems(items), e.QAPairs...)
	for _, pair := range pairs {
		for _, q := range pair.Questions {
			normQ := textutil.Normalize(q)
			if normQ == "" {
				continue
			}
			if strings.Contains(normQuery, normQ) || strings.Contains(normQ, normQuery) {
				return qaHit(q, pair.Answer), true
			}
			if textutil.Overlap(queryBigrams, textutil.Bigrams(normQ)) >= qaBigramThreshold {
				return qaHit(q, pair.Answer), true
			}
			if textutil.SequenceRatio(normQuery, normQ) >= qaSequenceThreshold {
				return qaHit(q, pair.Answer), true
			}
		}
	}
	return Hit{}, false
}

func qaHit(question, answer string) Hit {
	return Hit{
		Item: types.KnowledgeItem{
			ID:       "qa:" + question,
			Title:    question,
			Category: "qa",
			Content:  answer,
		},
		Score:  1.0,
		Source: "qa",
	}
}

// =============================================================================
// VECTOR SEARCH
// =============================================================================

func (e *Engine) vectorSearch(ctx context.Context, tenant, query string, items []types.KnowledgeItem, limit int) []Hit {
	if e.Embedder == nil || e.Vectors == nil {
		return nil
	}

	queryVec, err := e.Embedder.Embed(ctx, query)
	if err != nil {
		logging.KnowledgeDebug("Query embedding failed, skipping vector search: %v", err)
		return nil
	}
	vectors, err := e.Vectors.GetVectors(ctx, tenant)
	if err != nil || len(vectors) == 0 {
		if err != nil {
			logging.KnowledgeDebug("Vector load failed, skipping vector search: %v", err)
		}
		return nil
	}

	byID := make(map[string]types.KnowledgeItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	var hits []Hit
	for id, vec := range vectors {
		item, ok := byID[id]
		if !ok {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil || sim <= vectorThreshold {
			continue
		}
		hits = append(hits, Hit{Item: item, Score: sim, Source: "vector"})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// =============================================================================
// LEXICAL SEARCH
// =============================================================================

func lexicalSearch(query string, items []types.KnowledgeItem) []Hit {
	normQuery := textutil.Normalize(query)
	if normQuery == "" {
		return nil
	}
	queryBigrams := textutil.Bigrams(normQuery)

	var hits []Hit
	for _, item := range items {
		normTitle := textutil.Normalize(item.Title)
		normContent := textutil.Normalize(item.Content)

		score := 2*textutil.Overlap(queryBigrams, textutil.Bigrams(normTitle)) +
			textutil.Overlap(queryBigrams, textutil.Bigrams(normContent))
		if normTitle != "" && strings.Contains(normTitle, normQuery) {
			score += titleSubstringBonus
		}
		if normContent != "" && strings.Contains(normContent, normQuery) {
			score += contentSubstrBonus
		}
		if score == 0 {
			// Bigrams miss very short or heavily rewritten queries; fall
			// back to sequence similarity against the title at half weight.
			score = textutil.SequenceRatio(normQuery, normTitle) * sequenceFallbackMul
		}
		if score > 0 {
			hits = append(hits, Hit{Item: item, Score: score, Source: "lexical"})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}
