package planner

import (
	"testing"

	"metaquery/internal/catalog"
	"metaquery/internal/queryerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hrObjects() map[string]catalog.ObjectMeta {
	return map[string]catalog.ObjectMeta{
		"EMPLOYEE":   {ObjectCode: "EMPLOYEE", Schema: "hr", Table: "employees", AliasHint: "emp"},
		"DEPARTMENT": {ObjectCode: "DEPARTMENT", Schema: "hr", Table: "departments", AliasHint: "dept"},
		"LOCATION":   {ObjectCode: "LOCATION", Schema: "hr", Table: "locations"},
		"PROJECT":    {ObjectCode: "PROJECT", Schema: "hr", Table: "projects", AliasHint: "Proj-X"},
		"SKILL":      {ObjectCode: "SKILL", Table: "employee_skills"},
	}
}

func hrJoinKeys() map[int64][]catalog.RelationJoinKey {
	return map[int64][]catalog.RelationJoinKey{
		1: {{RelationID: 1, Seq: 1, FromColumn: "dept_id", Operator: "=", ToColumn: "id"}},
		2: {{RelationID: 2, Seq: 1, FromColumn: "location_id", Operator: "", ToColumn: "id"}},
		3: {
			{RelationID: 3, Seq: 2, FromColumn: "tenant_id", Operator: "=", ToColumn: "tenant_id", NullSafe: true},
			{RelationID: 3, Seq: 1, FromColumn: "id", Operator: "=", ToColumn: "employee_id"},
		},
		4: {{RelationID: 4, Seq: 1, FromColumn: "id", Operator: "=", ToColumn: "employee_id"}},
		5: {{RelationID: 5, Seq: 1, FromColumn: "manager_id", Operator: "=", ToColumn: "id"}},
	}
}

func TestBind_AssignsAliasesInStepOrder(t *testing.T) {
	p, err := Build(hrRelations(), "EMPLOYEE", []Target{
		selectTarget("LOCATION"),
		selectTarget("PROJECT"),
		selectTarget("SKILL"),
		{Object: "EMPLOYEE", Via: "MANAGER", Usage: UseSelect},
	})
	require.NoError(t, err)
	require.NoError(t, p.Bind(hrObjects(), hrJoinKeys()))
	require.True(t, p.Bound())

	assert.Equal(t, "t0", p.RootAlias)
	assert.Equal(t, "employees", p.RootObject.Table)

	var aliases []string
	for _, s := range p.Steps {
		aliases = append(aliases, s.Alias)
	}
	assert.Equal(t, []string{"dept_1", "location_2", "proj_x_3", "employee_skill_4", "emp_5"}, aliases)
	assert.Equal(t, "t0", p.Steps[0].ParentAlias)
	assert.Equal(t, "dept_1", p.Steps[1].ParentAlias)

	location, _ := p.NodeFor("LOCATION", "")
	assert.Equal(t, "location_2", p.AliasOf(location))
	assert.Equal(t, "locations", p.ObjectOf(location).Table)
}

func TestBind_SortsAndNormalizesJoinKeys(t *testing.T) {
	p, err := Build(hrRelations(), "EMPLOYEE", []Target{selectTarget("PROJECT"), selectTarget("LOCATION")})
	require.NoError(t, err)
	require.NoError(t, p.Bind(hrObjects(), hrJoinKeys()))

	project := stepFor(t, p, "PROJECT", "")
	require.Len(t, project.JoinKeys, 2)
	assert.Equal(t, 1, project.JoinKeys[0].Seq)
	assert.Equal(t, 2, project.JoinKeys[1].Seq)
	assert.True(t, project.JoinKeys[1].NullSafe)

	location := stepFor(t, p, "LOCATION", "")
	assert.Equal(t, "=", location.JoinKeys[0].Operator)
}

func TestBind_MissingObjectMetadata(t *testing.T) {
	p, err := Build(hrRelations(), "EMPLOYEE", []Target{selectTarget("DEPARTMENT")})
	require.NoError(t, err)

	objects := hrObjects()
	delete(objects, "DEPARTMENT")
	err = p.Bind(objects, hrJoinKeys())
	require.Error(t, err)
	assert.Equal(t, queryerr.KindNoJoinPath, queryerr.KindOf(err))

	err = p.Bind(map[string]catalog.ObjectMeta{}, hrJoinKeys())
	require.Error(t, err)
	assert.Equal(t, queryerr.KindNoJoinPath, queryerr.KindOf(err))
}

func TestBind_MalformedJoinKeys(t *testing.T) {
	cases := map[string][]catalog.RelationJoinKey{
		"none":          nil,
		"zero seq":      {{RelationID: 1, Seq: 0, FromColumn: "dept_id", Operator: "=", ToColumn: "id"}},
		"duplicate seq": {{RelationID: 1, Seq: 1, FromColumn: "a", ToColumn: "b"}, {RelationID: 1, Seq: 1, FromColumn: "c", ToColumn: "d"}},
		"bad operator":  {{RelationID: 1, Seq: 1, FromColumn: "dept_id", Operator: "LIKE", ToColumn: "id"}},
		"null-safe lt":  {{RelationID: 1, Seq: 1, FromColumn: "dept_id", Operator: "<", ToColumn: "id", NullSafe: true}},
	}
	for name, keys := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := Build(hrRelations(), "EMPLOYEE", []Target{selectTarget("DEPARTMENT")})
			require.NoError(t, err)
			joinKeys := hrJoinKeys()
			joinKeys[1] = keys
			err = p.Bind(hrObjects(), joinKeys)
			require.Error(t, err)
			assert.Equal(t, queryerr.KindPlanningCycle, queryerr.KindOf(err))
		})
	}
}

func TestAliasHint(t *testing.T) {
	assert.Equal(t, "emp", aliasHint(catalog.ObjectMeta{AliasHint: "EMP", Table: "employees"}))
	assert.Equal(t, "category", aliasHint(catalog.ObjectMeta{Table: "Categories"}))
	assert.Equal(t, "t2020_sale", aliasHint(catalog.ObjectMeta{Table: "2020_sales"}))
	assert.Equal(t, "t", aliasHint(catalog.ObjectMeta{Table: "--"}))
}

func TestStep_JoinTypeRequiredIsInner(t *testing.T) {
	s := &Step{Relation: catalog.RelationInfo{JoinType: catalog.JoinLeft}}
	assert.Equal(t, catalog.JoinLeft, s.JoinType())
	s.Relation.Required = true
	assert.Equal(t, catalog.JoinInner, s.JoinType())
}

func TestPlan_Label(t *testing.T) {
	p, err := Build(hrRelations(), "EMPLOYEE", []Target{
		selectTarget("LOCATION"),
		{Object: "EMPLOYEE", Via: "MANAGER", Usage: UseSelect},
		{Object: "DEPARTMENT", Via: "DEPT", Usage: UseSelect},
	})
	require.NoError(t, err)

	assert.Equal(t, "EMPLOYEE", p.Label(p.Root))
	department, _ := p.NodeFor("DEPARTMENT", "DEPT")
	assert.Equal(t, "DEPARTMENT", p.Label(department), "the shortest-path node keeps the object code")
	location, _ := p.NodeFor("LOCATION", "")
	assert.Equal(t, "LOCATION", p.Label(location))
	manager, _ := p.NodeFor("EMPLOYEE", "MANAGER")
	assert.Equal(t, "EMPLOYEE@MANAGER", p.Label(manager))
}
