package protocol

// Session kinds reported by sessions.list
const (
	SessionKindDirect  = "direct"
	SessionKindGroup   = "group"
	SessionKindGlobal  = "global"
	SessionKindUnknown = "unknown"
)

type SessionsListParams struct {
	Limit                int    `json:"limit,omitempty"`
	ActiveMinutes        int    `json:"activeMinutes,omitempty"`
	IncludeLastMessage   bool   `json:"includeLastMessage,omitempty"`
	IncludeDerivedTitles bool   `json:"includeDerivedTitles,omitempty"`
	AgentID              string `json:"agentId,omitempty"`
}

// SessionEntry is one row of a sessions.list result. UpdatedAt is unix
// milliseconds.
type SessionEntry struct {
	Key          string   `json:"key"`
	Kind         string   `json:"kind"`
	UpdatedAt    int64    `json:"updatedAt"`
	SessionID    string   `json:"sessionId,omitempty"`
	Label        string   `json:"label,omitempty"`
	DerivedTitle string   `json:"derivedTitle,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	LastMessage  string   `json:"lastMessage,omitempty"`
}

type SessionsListResult struct {
	Sessions []SessionEntry `json:"sessions"`
	Count    int            `json:"count"`
}

// SessionsPatchParams updates mutable session fields. A nil Label leaves
// the label alone; an empty one clears it.
type SessionsPatchParams struct {
	Key   string  `json:"key"`
	Label *string `json:"label,omitempty"`
}

type SessionsPatchResult struct {
	OK    bool         `json:"ok"`
	Path  string       `json:"path,omitempty"`
	Entry SessionEntry `json:"entry"`
}

type SessionsDeleteParams struct {
	Key              string `json:"key"`
	DeleteTranscript bool   `json:"deleteTranscript,omitempty"`
}

type SessionsDeleteResult struct {
	OK       bool     `json:"ok"`
	Key      string   `json:"key"`
	Deleted  bool     `json:"deleted"`
	Archived []string `json:"archived"`
}
