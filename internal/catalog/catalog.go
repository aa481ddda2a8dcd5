// Package catalog holds the metadata the query engine compiles against: objects, fields,
// relations, join keys, operators and operator/data type compatibility.
//
// Every implementation returns exactly the requested entries. Unknown keys are absent from
// the result maps and never produce an error; the components that need an entry detect the
// absence and report it in their own terms.
package catalog

import "context"

// Catalog is the read-side metadata contract used by the engine.
type Catalog interface {
	LoadObjects(ctx context.Context, scope Scope, codes []string) (map[string]ObjectMeta, error)
	LoadRelations(ctx context.Context, scope Scope) ([]RelationInfo, error)
	LoadJoinKeys(ctx context.Context, scope Scope, relationIDs []int64) (map[int64][]RelationJoinKey, error)
	LoadFields(ctx context.Context, scope Scope, keys []FieldKey) (map[FieldKey]FieldMeta, error)
	LoadOperations(ctx context.Context, scope Scope, codes []string) (map[string]OperationMeta, error)
	IsCompatible(ctx context.Context, scope Scope, dataTypeCode, operatorCode string) (bool, error)
}

// SnapshotLoader reads the complete metadata of one scope.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, scope Scope) (*Snapshot, error)
}

// SnapshotSource hands out the complete metadata of a scope as one immutable snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context, scope Scope) (*Snapshot, error)
}

// Pin resolves scope once when cat is a SnapshotSource, so that every lookup made through
// the returned Catalog reads the same metadata version. Other catalogs are returned as is.
func Pin(ctx context.Context, cat Catalog, scope Scope) (Catalog, error) {
	src, ok := cat.(SnapshotSource)
	if !ok {
		return cat, nil
	}
	s, err := src.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s, nil
}
