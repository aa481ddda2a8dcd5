package querymodel

// Request is the inbound wire shape of a query.
type Request struct {
	TenantCode   string          `json:"tenantCode"`
	AppCode      string          `json:"appCode"`
	ConnectionID string          `json:"connectionId"`
	RootObject   string          `json:"rootObject"`
	SelectFields []string        `json:"selectFields"`
	Filters      []FilterRequest `json:"filters,omitempty"`
	Sorts        []SortRequest   `json:"sorts,omitempty"`
	Offset       *int            `json:"offset,omitempty"`
	Limit        *int            `json:"limit,omitempty"`
	Distinct     bool            `json:"distinct,omitempty"`
	CountOnly    bool            `json:"countOnly,omitempty"`
}

// FilterRequest is one filter criterion. A criterion with SubFilters forms a group whose
// members, including the criterion itself when Field is set, are combined with
// LogicalOperator (AND by default).
type FilterRequest struct {
	Field           string          `json:"field,omitempty"`
	OperatorCode    string          `json:"operatorCode,omitempty"`
	Value           any             `json:"value,omitempty"`
	Value2          any             `json:"value2,omitempty"`
	Values          []any           `json:"values,omitempty"`
	LogicalOperator string          `json:"logicalOperator,omitempty"`
	SubFilters      []FilterRequest `json:"subFilters,omitempty"`
}

// SortRequest is one sort key.
type SortRequest struct {
	Field         string `json:"field"`
	Direction     string `json:"direction,omitempty"`
	NullsHandling string `json:"nullsHandling,omitempty"`
}
