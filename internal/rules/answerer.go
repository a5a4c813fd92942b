// Package rules answers free-form questions against extracted document text.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rules-engine/ocr-service/internal/cache"
)

// Answer is one response to a rules question.
type Answer struct {
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence"` // 0-100
}

// Answerer resolves a question, optionally scoped to one document.
type Answerer interface {
	Answer(ctx context.Context, question, documentID string) (Answer, error)
}

// Keyword scans extracted text for lines mentioning the question's terms.
// It is a placeholder for a retrieval-backed answerer.
type Keyword struct {
	// Lookup returns the extracted text for a document, empty when unknown.
	Lookup func(documentID string) string
}

func (k *Keyword) Answer(_ context.Context, question, documentID string) (Answer, error) {
	ans := Answer{Question: question}

	text := ""
	if k.Lookup != nil {
		text = k.Lookup(documentID)
	}
	if text == "" {
		ans.Answer = "no extracted content available for this document"
		return ans, nil
	}

	terms := significantTerms(question)
	best := ""
	bestHits := 0
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = strings.TrimSpace(line)
		}
	}

	if bestHits == 0 {
		ans.Answer = "not found in document"
		return ans, nil
	}
	ans.Answer = best
	ans.Source = documentID
	ans.Confidence = 100 * float64(bestHits) / float64(len(terms))
	return ans, nil
}

func significantTerms(question string) []string {
	stop := map[string]bool{
		"the": true, "a": true, "an": true, "is": true, "are": true,
		"what": true, "how": true, "do": true, "does": true, "of": true,
		"to": true, "in": true, "for": true, "can": true, "i": true,
	}
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.Trim(w, "?.,!:;\"'")
		if len(w) > 1 && !stop[w] {
			terms = append(terms, w)
		}
	}
	if len(terms) == 0 {
		terms = []string{strings.ToLower(question)}
	}
	return terms
}

// Cached wraps an Answerer with a TTL cache keyed on the normalized
// question and document.
type Cached struct {
	inner Answerer
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger

	// optional hit/miss observers
	OnHit  func()
	OnMiss func()
}

// NewCached builds the caching wrapper. A nil cache disables memoization.
func NewCached(inner Answerer, c cache.Cache, ttl time.Duration, log *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cached{inner: inner, cache: c, ttl: ttl, log: log}
}

func (c *Cached) Answer(ctx context.Context, question, documentID string) (Answer, error) {
	if c.cache == nil {
		return c.inner.Answer(ctx, question, documentID)
	}

	key := cacheKey(question, documentID)
	if raw, err := c.cache.Get(ctx, key); err == nil {
		var ans Answer
		if err := json.Unmarshal([]byte(raw), &ans); err == nil {
			if c.OnHit != nil {
				c.OnHit()
			}
			return ans, nil
		}
		c.log.Warn("discarding unreadable cache entry", "key", key)
	}
	if c.OnMiss != nil {
		c.OnMiss()
	}

	ans, err := c.inner.Answer(ctx, question, documentID)
	if err != nil {
		return Answer{}, err
	}
	if raw, err := json.Marshal(ans); err == nil {
		if err := c.cache.Set(ctx, key, string(raw), c.ttl); err != nil {
			c.log.Warn("failed to cache answer", "error", err)
		}
	}
	return ans, nil
}

func cacheKey(question, documentID string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(norm))
	return fmt.Sprintf("query:%s:%s", documentID, hex.EncodeToString(sum[:8]))
}
