package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fileCatalog struct {
	Scopes []fileScope `yaml:"scopes"`
}

type fileScope struct {
	Tenant        string              `yaml:"tenant"`
	App           string              `yaml:"app"`
	Connection    string              `yaml:"connection"`
	Objects       []fileObject        `yaml:"objects"`
	Fields        []fileField         `yaml:"fields"`
	Relations     []fileRelation      `yaml:"relations"`
	Operations    []fileOperation     `yaml:"operations"`
	Compatibility map[string][]string `yaml:"compatibility"`
}

type fileObject struct {
	Code   string `yaml:"code"`
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
	Alias  string `yaml:"alias"`
}

type fileField struct {
	Object   string `yaml:"object"`
	Code     string `yaml:"code"`
	Mapping  string `yaml:"mapping"`
	Column   string `yaml:"column"`
	Expr     string `yaml:"expr"`
	DataType string `yaml:"dataType"`
	Select   *bool  `yaml:"select"`
	Filter   *bool  `yaml:"filter"`
	Sort     *bool  `yaml:"sort"`
}

type fileRelation struct {
	ID        int64     `yaml:"id"`
	Code      string    `yaml:"code"`
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	Type      string    `yaml:"type"`
	Join      string    `yaml:"join"`
	Weight    int       `yaml:"weight"`
	Required  bool      `yaml:"required"`
	Navigable *bool     `yaml:"navigable"`
	Keys      []fileKey `yaml:"keys"`
}

type fileKey struct {
	Seq      int    `yaml:"seq"`
	From     string `yaml:"from"`
	Operator string `yaml:"op"`
	To       string `yaml:"to"`
	NullSafe bool   `yaml:"nullSafe"`
}

type fileOperation struct {
	Code   string `yaml:"code"`
	Symbol string `yaml:"symbol"`
	Arity  int    `yaml:"arity"`
	Shape  string `yaml:"shape"`
}

// LoadFile reads a YAML catalog file into a Memory catalog.
func LoadFile(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a YAML catalog document. Unknown keys are rejected.
func Decode(r io.Reader) (*Memory, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc fileCatalog
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	mem := NewMemory()
	for i, fs := range doc.Scopes {
		snapshot, err := fs.snapshot()
		if err != nil {
			return nil, fmt.Errorf("catalog scope %d (%s/%s/%s): %w", i, fs.Tenant, fs.App, fs.Connection, err)
		}
		mem.Put(snapshot)
	}
	return mem, nil
}

func (fs fileScope) snapshot() (*Snapshot, error) {
	var data SnapshotData
	for _, o := range fs.Objects {
		data.Objects = append(data.Objects, ObjectMeta{
			ObjectCode: o.Code,
			Schema:     o.Schema,
			Table:      o.Table,
			AliasHint:  o.Alias,
		})
	}
	for _, f := range fs.Fields {
		mapping := MappingKind(CanonicalCode(f.Mapping))
		if mapping == "" {
			mapping = MappingColumn
		}
		data.Fields = append(data.Fields, FieldMeta{
			ObjectCode:   f.Object,
			FieldCode:    f.Code,
			Mapping:      mapping,
			ColumnName:   f.Column,
			ExprTemplate: f.Expr,
			DataTypeCode: f.DataType,
			AllowSelect:  boolOr(f.Select, true),
			AllowFilter:  boolOr(f.Filter, true),
			AllowSort:    boolOr(f.Sort, true),
		})
	}
	for _, r := range fs.Relations {
		relType, err := ParseRelationType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("relation %d: %w", r.ID, err)
		}
		joinType, err := ParseJoinType(r.Join)
		if err != nil {
			return nil, fmt.Errorf("relation %d: %w", r.ID, err)
		}
		data.Relations = append(data.Relations, RelationInfo{
			ID:           r.ID,
			RelationCode: r.Code,
			FromObject:   r.From,
			ToObject:     r.To,
			Type:         relType,
			JoinType:     joinType,
			PathWeight:   r.Weight,
			Required:     r.Required,
			Navigable:    boolOr(r.Navigable, true),
		})
		for _, k := range r.Keys {
			data.JoinKeys = append(data.JoinKeys, RelationJoinKey{
				RelationID: r.ID,
				Seq:        k.Seq,
				FromColumn: k.From,
				Operator:   k.Operator,
				ToColumn:   k.To,
				NullSafe:   k.NullSafe,
			})
		}
	}
	for _, o := range fs.Operations {
		data.Operations = append(data.Operations, OperationMeta{
			Code:   o.Code,
			Symbol: o.Symbol,
			Arity:  o.Arity,
			Shape:  ValueShape(CanonicalCode(o.Shape)),
		})
	}
	for dataType, operators := range fs.Compatibility {
		for _, op := range operators {
			data.Compatibility = append(data.Compatibility, Compatibility{
				DataTypeCode: dataType,
				OperatorCode: op,
				Allowed:      true,
			})
		}
	}
	scope := Scope{TenantCode: fs.Tenant, AppCode: fs.App, ConnectionID: fs.Connection}
	return NewSnapshot(scope, data)
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
