package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharedcode/dtx"
)

// MockDataStore is an in-memory dtx.DataStore with staged local transactions:
// mutations made through a MockStoreTx become visible only on Commit, matching
// the visibility rules of a relational adapter. The compensator-facing methods
// operate directly on committed rows.
type MockDataStore struct {
	name string

	mu   sync.Mutex
	rows map[string]map[string]map[string]any

	// Schema configuration consulted by the risk model and merge-back.
	Triggers       map[string]bool
	Cascades       map[string]bool
	VersionColumns map[string]string

	// Failure injection, keyed by method name: "begin", "flush", "commit",
	// "exists", "insert", "merge", "delete", "execNative", "callProcedure".
	ErrOn map[string]error

	// Call recording for assertions.
	NativeCalls []dtx.Tuple[string, []any]
	ProcCalls   []dtx.Tuple[string, []any]
	MergeOrder  []string
	Calls       map[string]int
}

func (s *MockDataStore) count(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls[method]++
}

func NewMockDataStore(name string) *MockDataStore {
	return &MockDataStore{
		name:           name,
		rows:           make(map[string]map[string]map[string]any),
		Triggers:       make(map[string]bool),
		Cascades:       make(map[string]bool),
		VersionColumns: make(map[string]string),
		ErrOn:          make(map[string]error),
		Calls:          make(map[string]int),
	}
}

func (s *MockDataStore) Name() string {
	return s.name
}

func (s *MockDataStore) Begin(ctx context.Context) (dtx.StoreTx, error) {
	if err := s.ErrOn["begin"]; err != nil {
		return nil, err
	}
	return &MockStoreTx{store: s}, nil
}

func (s *MockDataStore) Exists(ctx context.Context, entityClass string, entityID string) (bool, error) {
	s.count("exists")
	if err := s.ErrOn["exists"]; err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[entityClass][entityID]
	return ok, nil
}

func (s *MockDataStore) Insert(ctx context.Context, entityClass string, row map[string]any) error {
	s.count("insert")
	if err := s.ErrOn["insert"]; err != nil {
		return err
	}
	id, err := rowID(row)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(entityClass, id, row)
	return nil
}

func (s *MockDataStore) MergeSnapshot(ctx context.Context, entityClass string, entityID string, snapshot map[string]any) error {
	s.count("merge")
	if err := s.ErrOn["merge"]; err != nil {
		return err
	}
	if entityID == "" {
		var err error
		if entityID, err = rowID(snapshot); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MergeOrder = append(s.MergeOrder, entityClass+"/"+entityID)
	existing, ok := s.rows[entityClass][entityID]
	if !ok {
		s.put(entityClass, entityID, snapshot)
		return nil
	}
	for k, v := range snapshot {
		existing[k] = v
	}
	return nil
}

func (s *MockDataStore) DeleteByID(ctx context.Context, entityClass string, entityID string) error {
	s.count("delete")
	if err := s.ErrOn["delete"]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[entityClass], entityID)
	return nil
}

func (s *MockDataStore) ExecNative(ctx context.Context, query string, params []any) error {
	s.count("execNative")
	if err := s.ErrOn["execNative"]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NativeCalls = append(s.NativeCalls, dtx.Tuple[string, []any]{First: query, Second: params})
	return nil
}

func (s *MockDataStore) CallProcedure(ctx context.Context, name string, params []any) error {
	s.count("callProcedure")
	if err := s.ErrOn["callProcedure"]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcCalls = append(s.ProcCalls, dtx.Tuple[string, []any]{First: name, Second: params})
	return nil
}

func (s *MockDataStore) TableHasTriggers(ctx context.Context, table string) (bool, error) {
	return s.Triggers[table], nil
}

func (s *MockDataStore) TableHasCascadeDelete(ctx context.Context, table string) (bool, error) {
	return s.Cascades[table], nil
}

func (s *MockDataStore) VersionColumn(ctx context.Context, entityClass string) (string, error) {
	return s.VersionColumns[entityClass], nil
}

// Row returns the committed row, nil when absent.
func (s *MockDataStore) Row(entityClass string, entityID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[entityClass][entityID]
}

// SeedRow places a committed row directly, bypassing transactions.
func (s *MockDataStore) SeedRow(entityClass string, row map[string]any) {
	id, err := rowID(row)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(entityClass, id, row)
}

func (s *MockDataStore) put(entityClass string, id string, row map[string]any) {
	if s.rows[entityClass] == nil {
		s.rows[entityClass] = make(map[string]map[string]any)
	}
	copied := make(map[string]any, len(row))
	for k, v := range row {
		copied[k] = v
	}
	s.rows[entityClass][id] = copied
}

func rowID(row map[string]any) (string, error) {
	id, ok := row["id"]
	if !ok {
		return "", fmt.Errorf("row has no id field")
	}
	return fmt.Sprint(id), nil
}

type stagedMutation struct {
	entityClass string
	entityID    string
	row         map[string]any
	delete      bool
}

// MockStoreTx stages mutations until Commit.
type MockStoreTx struct {
	store  *MockDataStore
	staged []stagedMutation
	closed bool
}

// StageInsert buffers a row insert visible only after Commit.
func (t *MockStoreTx) StageInsert(entityClass string, row map[string]any) error {
	id, err := rowID(row)
	if err != nil {
		return err
	}
	t.staged = append(t.staged, stagedMutation{entityClass: entityClass, entityID: id, row: row})
	return nil
}

// StageDelete buffers a row deletion.
func (t *MockStoreTx) StageDelete(entityClass string, entityID string) {
	t.staged = append(t.staged, stagedMutation{entityClass: entityClass, entityID: entityID, delete: true})
}

func (t *MockStoreTx) Flush(ctx context.Context) error {
	return t.store.ErrOn["flush"]
}

func (t *MockStoreTx) Commit(ctx context.Context) error {
	if err := t.store.ErrOn["commit"]; err != nil {
		return err
	}
	if t.closed {
		return fmt.Errorf("transaction already closed")
	}
	t.closed = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, m := range t.staged {
		if m.delete {
			delete(t.store.rows[m.entityClass], m.entityID)
			continue
		}
		t.store.put(m.entityClass, m.entityID, m.row)
	}
	t.staged = nil
	return nil
}

func (t *MockStoreTx) Rollback(ctx context.Context) error {
	t.closed = true
	t.staged = nil
	return nil
}
