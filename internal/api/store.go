package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/lmhost/internal/chat"
)

// DefaultStoreLimit bounds the responses kept for previous_response_id.
const DefaultStoreLimit = 256

var errResponseNotFound = errors.New("response not found")

// responseRecord is a stored response together with the messages that were
// new in its request.
type responseRecord struct {
	Response ResponsesResponse
	Input    []chat.Message
	Visible  bool
}

// ResponseStore keeps recent responses in memory. Once full, the oldest
// record is evicted.
type ResponseStore struct {
	limit int

	mu    sync.Mutex
	recs  map[string]*responseRecord
	order []string
}

func NewResponseStore(limit int) *ResponseStore {
	if limit <= 0 {
		limit = DefaultStoreLimit
	}
	return &ResponseStore{limit: limit, recs: make(map[string]*responseRecord)}
}

// Save stores a response. Responses created with store=false are kept so a
// chain through them resolves, but are not visible to lookups by id.
func (s *ResponseStore) Save(resp ResponsesResponse, input []chat.Message, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.recs[resp.ID] = &responseRecord{Response: resp, Input: input, Visible: visible}
	for len(s.order) > s.limit {
		delete(s.recs, s.order[0])
		s.order = s.order[1:]
	}
}

// Get returns a visible record.
func (s *ResponseStore) Get(id string) (*responseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || !rec.Visible {
		return nil, false
	}
	return rec, true
}

func (s *ResponseStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || !rec.Visible {
		return false
	}
	delete(s.recs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// History rebuilds the conversation that ends with response id, oldest turn
// first: each response's new input followed by its reply.
func (s *ResponseStore) History(id string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chain []*responseRecord
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("previous_response_id chain contains a cycle at %q", id)
		}
		seen[id] = true
		rec, ok := s.recs[id]
		if !ok {
			return nil, fmt.Errorf("previous_response_id %q: %w", id, errResponseNotFound)
		}
		chain = append(chain, rec)
		id = rec.Response.PreviousResponseID
	}

	var out []chat.Message
	for i := len(chain) - 1; i >= 0; i-- {
		rec := chain[i]
		out = append(out, rec.Input...)
		out = append(out, chat.Message{Role: chat.RoleAssistant, Content: rec.Response.OutputText})
	}
	return out, nil
}

func newResponseID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
