package compiler

import "strconv"

// Param is one named statement parameter.
type Param struct {
	Name  string
	Value any
}

// Params hands out statement-unique parameter names p1, p2, ... in bind order.
// A Params belongs to the statement being compiled and is not safe for concurrent use.
type Params struct {
	list []Param
}

// Bind records v and returns its placeholder, ":pN".
func (p *Params) Bind(v any) string {
	name := "p" + strconv.Itoa(len(p.list)+1)
	p.list = append(p.list, Param{Name: name, Value: v})
	return ":" + name
}

// Len returns the number of bound parameters.
func (p *Params) Len() int {
	return len(p.list)
}

// List returns the parameters in bind order.
func (p *Params) List() []Param {
	out := make([]Param, len(p.list))
	copy(out, p.list)
	return out
}

// Map returns the parameters keyed by name.
func (p *Params) Map() map[string]any {
	out := make(map[string]any, len(p.list))
	for _, param := range p.list {
		out[param.Name] = param.Value
	}
	return out
}
