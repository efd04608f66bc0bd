package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Index is an in-memory full-text index over directory entries, for
// free-text lookups such as "chess opening" that exact capability tags
// cannot answer.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
}

// SearchResult is one ranked match.
type SearchResult struct {
	AgentID string
	Score   float64
}

// agentDocument is the indexed form of an Entry.
type agentDocument struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Actions      []string `json:"actions"`
	Description  string   `json:"description"`
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	agentMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	agentMapping.AddFieldMappingsAt("name", textFieldMapping)
	agentMapping.AddFieldMappingsAt("capabilities", textFieldMapping)
	agentMapping.AddFieldMappingsAt("actions", textFieldMapping)
	agentMapping.AddFieldMappingsAt("description", textFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = agentMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

func documentFor(e Entry) agentDocument {
	var desc []string
	keys := make([]string, 0, len(e.Capabilities.Metadata))
	for k := range e.Capabilities.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := e.Capabilities.Metadata[k].(string); ok {
			desc = append(desc, s)
		}
	}
	return agentDocument{
		Name:         e.Capabilities.AgentName,
		Capabilities: e.Capabilities.Capabilities,
		Actions:      e.Capabilities.SupportedActions,
		Description:  strings.Join(desc, " "),
	}
}

// Add indexes or re-indexes an entry.
func (x *Index) Add(e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Index(e.AgentID, documentFor(e)); err != nil {
		return fmt.Errorf("index %s: %w", e.AgentID, err)
	}
	return nil
}

// Remove drops an agent from the index.
func (x *Index) Remove(agentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Delete(agentID)
}

// Count returns the number of indexed agents.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

// Search matches queryText against names, capabilities, actions and
// metadata. Results are ordered by score, then agent ID.
func (x *Index) Search(queryText string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(queryText))
	req.Size = limit

	x.mu.RLock()
	res, err := x.index.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, SearchResult{AgentID: hit.ID, Score: hit.Score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].AgentID < results[j].AgentID
	})
	return results, nil
}

// Follow indexes every entry in dir and keeps the index current from its
// watch events until ctx is done or the directory closes.
func (x *Index) Follow(ctx context.Context, dir Directory) error {
	events, err := dir.Watch()
	if err != nil {
		return err
	}
	entries, err := dir.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := x.Add(e); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case EventAdded, EventUpdated:
				err = x.Add(ev.Entry)
			case EventRemoved:
				err = x.Remove(ev.Entry.AgentID)
			}
			if err != nil {
				return err
			}
		}
	}
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}
