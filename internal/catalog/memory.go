package catalog

import (
	"context"
	"sync"
)

// Memory is a catalog backed by in-memory snapshots, one per scope.
// Unknown scopes behave as empty catalogs.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[Scope]*Snapshot
}

// NewMemory creates a Memory catalog seeded with snapshots.
func NewMemory(snapshots ...*Snapshot) *Memory {
	m := &Memory{snapshots: make(map[Scope]*Snapshot, len(snapshots))}
	for _, s := range snapshots {
		m.snapshots[s.Scope()] = s
	}
	return m
}

// Put stores or replaces the snapshot for its scope.
func (m *Memory) Put(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.Scope()] = s
}

// Scopes returns the number of scopes held.
func (m *Memory) Scopes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

// LoadSnapshot implements SnapshotLoader.
func (m *Memory) LoadSnapshot(_ context.Context, scope Scope) (*Snapshot, error) {
	return m.snapshot(scope)
}

// Snapshot implements SnapshotSource. Unknown scopes yield an empty snapshot.
func (m *Memory) Snapshot(_ context.Context, scope Scope) (*Snapshot, error) {
	return m.snapshot(scope)
}

func (m *Memory) snapshot(scope Scope) (*Snapshot, error) {
	scope = scope.Normalize()
	m.mu.RLock()
	s, ok := m.snapshots[scope]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	return NewSnapshot(scope, SnapshotData{})
}

func (m *Memory) LoadObjects(ctx context.Context, scope Scope, codes []string) (map[string]ObjectMeta, error) {
	s, err := m.snapshot(scope)
	if err != nil {
		return nil, err
	}
	return s.Objects(codes), nil
}

func (m *Memory) LoadRelations(ctx context.Context, scope Scope) ([]RelationInfo, error) {
	s, err := m.snapshot(scope)
	if err != nil {
		return nil, err
	}
	return s.Relations(), nil
}

func (m *Memory) LoadJoinKeys(ctx context.Context, scope Scope, relationIDs []int64) (map[int64][]RelationJoinKey, error) {
	s, err := m.snapshot(scope)
	if err != nil {
		return nil, err
	}
	return s.JoinKeys(relationIDs), nil
}

func (m *Memory) LoadFields(ctx context.Context, scope Scope, keys []FieldKey) (map[FieldKey]FieldMeta, error) {
	s, err := m.snapshot(scope)
	if err != nil {
		return nil, err
	}
	return s.Fields(keys), nil
}

func (m *Memory) LoadOperations(ctx context.Context, scope Scope, codes []string) (map[string]OperationMeta, error) {
	s, err := m.snapshot(scope)
	if err != nil {
		return nil, err
	}
	return s.Operations(codes), nil
}

func (m *Memory) IsCompatible(ctx context.Context, scope Scope, dataTypeCode, operatorCode string) (bool, error) {
	s, err := m.snapshot(scope)
	if err != nil {
		return false, err
	}
	return s.Compatible(dataTypeCode, operatorCode), nil
}
