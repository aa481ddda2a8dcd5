package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SnapshotData is the raw metadata of one scope before indexing.
type SnapshotData struct {
	Objects       []ObjectMeta
	Fields        []FieldMeta
	Relations     []RelationInfo
	JoinKeys      []RelationJoinKey
	Operations    []OperationMeta
	Compatibility []Compatibility
}

type compatKey struct {
	dataType string
	operator string
}

// Snapshot is an immutable, indexed view of one scope's metadata.
// It is safe for concurrent use.
type Snapshot struct {
	scope      Scope
	loadedAt   time.Time
	objects    map[string]ObjectMeta
	fields     map[FieldKey]FieldMeta
	relations  []RelationInfo
	joinKeys   map[int64][]RelationJoinKey
	operations map[string]OperationMeta
	compatible map[compatKey]bool
}

// NewSnapshot indexes data for scope. Codes are canonicalized, relations sorted by id
// and join keys sorted by seq. Field rows that violate their mapping invariant are rejected.
func NewSnapshot(scope Scope, data SnapshotData) (*Snapshot, error) {
	s := &Snapshot{
		scope:      scope.Normalize(),
		loadedAt:   time.Now(),
		objects:    make(map[string]ObjectMeta, len(data.Objects)),
		fields:     make(map[FieldKey]FieldMeta, len(data.Fields)),
		relations:  make([]RelationInfo, 0, len(data.Relations)),
		joinKeys:   make(map[int64][]RelationJoinKey),
		operations: make(map[string]OperationMeta, len(data.Operations)),
		compatible: make(map[compatKey]bool, len(data.Compatibility)),
	}

	for _, obj := range data.Objects {
		obj.ObjectCode = CanonicalCode(obj.ObjectCode)
		s.objects[obj.ObjectCode] = obj
	}
	for _, field := range data.Fields {
		field.ObjectCode = CanonicalCode(field.ObjectCode)
		field.FieldCode = strings.TrimSpace(field.FieldCode)
		if err := field.Validate(); err != nil {
			return nil, err
		}
		s.fields[field.Key()] = field
	}
	for _, rel := range data.Relations {
		rel.FromObject = CanonicalCode(rel.FromObject)
		rel.ToObject = CanonicalCode(rel.ToObject)
		rel.RelationCode = CanonicalCode(rel.RelationCode)
		s.relations = append(s.relations, rel)
	}
	sort.SliceStable(s.relations, func(i, j int) bool {
		return s.relations[i].ID < s.relations[j].ID
	})
	for _, key := range data.JoinKeys {
		s.joinKeys[key.RelationID] = append(s.joinKeys[key.RelationID], key)
	}
	for id := range s.joinKeys {
		keys := s.joinKeys[id]
		sort.SliceStable(keys, func(i, j int) bool { return keys[i].Seq < keys[j].Seq })
	}
	for _, op := range data.Operations {
		op.Code = CanonicalCode(op.Code)
		s.operations[op.Code] = op
	}
	for _, c := range data.Compatibility {
		s.compatible[compatKey{CanonicalCode(c.DataTypeCode), CanonicalCode(c.OperatorCode)}] = c.Allowed
	}
	return s, nil
}

// Scope returns the scope the snapshot was built for.
func (s *Snapshot) Scope() Scope { return s.scope }

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Objects returns the requested objects that exist in the snapshot.
func (s *Snapshot) Objects(codes []string) map[string]ObjectMeta {
	result := make(map[string]ObjectMeta, len(codes))
	for _, code := range codes {
		code = CanonicalCode(code)
		if obj, ok := s.objects[code]; ok {
			result[code] = obj
		}
	}
	return result
}

// Relations returns a copy of all relations ordered by id.
func (s *Snapshot) Relations() []RelationInfo {
	out := make([]RelationInfo, len(s.relations))
	copy(out, s.relations)
	return out
}

// JoinKeys returns the ordered join keys of the requested relations.
func (s *Snapshot) JoinKeys(relationIDs []int64) map[int64][]RelationJoinKey {
	result := make(map[int64][]RelationJoinKey, len(relationIDs))
	for _, id := range relationIDs {
		if keys, ok := s.joinKeys[id]; ok {
			out := make([]RelationJoinKey, len(keys))
			copy(out, keys)
			result[id] = out
		}
	}
	return result
}

// Fields returns the requested fields that exist in the snapshot.
func (s *Snapshot) Fields(keys []FieldKey) map[FieldKey]FieldMeta {
	result := make(map[FieldKey]FieldMeta, len(keys))
	for _, key := range keys {
		key = FieldKey{ObjectCode: CanonicalCode(key.ObjectCode), FieldCode: strings.TrimSpace(key.FieldCode)}
		if field, ok := s.fields[key]; ok {
			result[key] = field
		}
	}
	return result
}

// Operations returns the requested operators that exist in the snapshot.
func (s *Snapshot) Operations(codes []string) map[string]OperationMeta {
	result := make(map[string]OperationMeta, len(codes))
	for _, code := range codes {
		code = CanonicalCode(code)
		if op, ok := s.operations[code]; ok {
			result[code] = op
		}
	}
	return result
}

// Compatible reports whether operatorCode is legal for dataTypeCode.
// Size specifiers such as VARCHAR(255) are ignored when the exact code is not listed.
func (s *Snapshot) Compatible(dataTypeCode, operatorCode string) bool {
	dt := CanonicalCode(dataTypeCode)
	op := CanonicalCode(operatorCode)
	if allowed, ok := s.compatible[compatKey{dt, op}]; ok {
		return allowed
	}
	if idx := strings.Index(dt, "("); idx != -1 {
		return s.compatible[compatKey{strings.TrimSpace(dt[:idx]), op}]
	}
	return false
}

// LoadObjects implements Catalog for the snapshot's own scope.
func (s *Snapshot) LoadObjects(_ context.Context, scope Scope, codes []string) (map[string]ObjectMeta, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	return s.Objects(codes), nil
}

// LoadRelations implements Catalog.
func (s *Snapshot) LoadRelations(_ context.Context, scope Scope) ([]RelationInfo, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	return s.Relations(), nil
}

// LoadJoinKeys implements Catalog.
func (s *Snapshot) LoadJoinKeys(_ context.Context, scope Scope, relationIDs []int64) (map[int64][]RelationJoinKey, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	return s.JoinKeys(relationIDs), nil
}

// LoadFields implements Catalog.
func (s *Snapshot) LoadFields(_ context.Context, scope Scope, keys []FieldKey) (map[FieldKey]FieldMeta, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	return s.Fields(keys), nil
}

// LoadOperations implements Catalog.
func (s *Snapshot) LoadOperations(_ context.Context, scope Scope, codes []string) (map[string]OperationMeta, error) {
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}
	return s.Operations(codes), nil
}

// IsCompatible implements Catalog.
func (s *Snapshot) IsCompatible(_ context.Context, scope Scope, dataTypeCode, operatorCode string) (bool, error) {
	if err := s.checkScope(scope); err != nil {
		return false, err
	}
	return s.Compatible(dataTypeCode, operatorCode), nil
}

func (s *Snapshot) checkScope(scope Scope) error {
	if scope.Normalize() != s.scope {
		return fmt.Errorf("snapshot for scope %s cannot serve scope %s", s.scope, scope.Normalize())
	}
	return nil
}
