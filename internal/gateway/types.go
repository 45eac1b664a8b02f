package gateway

// Column describes one result column as reported by the gateway.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	DisplaySize int    `json:"display_size,omitempty"`
	Label       string `json:"label,omitempty"`
}

// ResultMetadata is the gateway's description of a result set.
type ResultMetadata struct {
	ColumnCount int      `json:"column_count"`
	Columns     []Column `json:"columns"`
	Job         string   `json:"job,omitempty"`
}

// Result is one gateway response frame. Execute and FetchMore responses
// share this shape; rows arrive as name -> value maps.
type Result struct {
	ID            string           `json:"id"`
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
	SQLReturnCode int              `json:"sql_rc"`
	SQLState      string           `json:"sql_state,omitempty"`
	Data          []map[string]any `json:"data,omitempty"`
	Metadata      *ResultMetadata  `json:"metadata,omitempty"`
	IsDone        bool             `json:"is_done"`
	HasResults    bool             `json:"has_results"`
	UpdateCount   int              `json:"update_count"`
	ExecutionTime int64            `json:"execution_time"`
}

// request is one gateway request frame.
type request struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SQL        string         `json:"sql,omitempty"`
	Parameters []any          `json:"parameters,omitempty"`
	Rows       int            `json:"rows,omitempty"`
	ContID     string         `json:"cont_id,omitempty"`
	Technique  string         `json:"technique,omitempty"`
	Sizes      *PoolSizes     `json:"sizes,omitempty"`
	Props      map[string]any `json:"props,omitempty"`
}

// PoolSizes configures the gateway-side connection pool.
type PoolSizes struct {
	StartingSize int `json:"starting_size"`
	MaxSize      int `json:"max_size"`
}

// Connection holds everything needed to reach one gateway endpoint.
// Password never appears in String() or log output.
type Connection struct {
	Host               string
	Port               int
	User               string
	Password           string
	IgnoreUnauthorized bool
	RootCA             []byte
}

// DefaultPort is the standard database gateway port.
const DefaultPort = 8076

// String renders the connection for logs, with the password masked.
func (c Connection) String() string {
	return c.User + "@" + c.Addr()
}
