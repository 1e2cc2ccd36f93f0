package stats

// UsageStats is the per-message usage aggregate recorded by backend calls and
// tool executions. Every field is additive, so aggregates at session and
// workspace level are plain field-wise sums over the per-message values.
type UsageStats struct {
	Models map[string]ModelStats `json:"models,omitempty"`
	Tools  ToolStats             `json:"tools"`
	Files  FileStats             `json:"files"`
}

type ModelStats struct {
	API    APIStats   `json:"api"`
	Tokens TokenStats `json:"tokens"`
}

type APIStats struct {
	Requests  int   `json:"requests"`
	Errors    int   `json:"errors"`
	LatencyMs int64 `json:"latency_ms"`
}

type TokenStats struct {
	Prompt     int `json:"prompt"`
	Candidates int `json:"candidates"`
	Total      int `json:"total"`
	Cached     int `json:"cached"`
	Thoughts   int `json:"thoughts"`
	Tool       int `json:"tool"`
}

type ToolStats struct {
	TotalCalls      int                  `json:"total_calls"`
	TotalSuccess    int                  `json:"total_success"`
	TotalFail       int                  `json:"total_fail"`
	TotalDurationMs int64                `json:"total_duration_ms"`
	Decisions       DecisionStats        `json:"decisions"`
	ByName          map[string]ToolUsage `json:"by_name,omitempty"`
}

type ToolUsage struct {
	Calls      int   `json:"calls"`
	Success    int   `json:"success"`
	Fail       int   `json:"fail"`
	DurationMs int64 `json:"duration_ms"`
}

type DecisionStats struct {
	Accept     int `json:"accept"`
	Reject     int `json:"reject"`
	Modify     int `json:"modify"`
	AutoAccept int `json:"auto_accept"`
}

type FileStats struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// New returns an explicit zero-valued aggregate with maps allocated.
func New() *UsageStats {
	return &UsageStats{
		Models: make(map[string]ModelStats),
		Tools:  ToolStats{ByName: make(map[string]ToolUsage)},
	}
}

// Add folds other into u field-wise. Per-model and per-tool maps are merged by
// key, inserting a zero entry on first sight. Adding nil is a no-op.
func (u *UsageStats) Add(other *UsageStats) {
	if other == nil {
		return
	}
	for model, ms := range other.Models {
		if u.Models == nil {
			u.Models = make(map[string]ModelStats)
		}
		cur := u.Models[model]
		cur.API.Requests += ms.API.Requests
		cur.API.Errors += ms.API.Errors
		cur.API.LatencyMs += ms.API.LatencyMs
		cur.Tokens.Prompt += ms.Tokens.Prompt
		cur.Tokens.Candidates += ms.Tokens.Candidates
		cur.Tokens.Total += ms.Tokens.Total
		cur.Tokens.Cached += ms.Tokens.Cached
		cur.Tokens.Thoughts += ms.Tokens.Thoughts
		cur.Tokens.Tool += ms.Tokens.Tool
		u.Models[model] = cur
	}

	u.Tools.TotalCalls += other.Tools.TotalCalls
	u.Tools.TotalSuccess += other.Tools.TotalSuccess
	u.Tools.TotalFail += other.Tools.TotalFail
	u.Tools.TotalDurationMs += other.Tools.TotalDurationMs
	u.Tools.Decisions.Accept += other.Tools.Decisions.Accept
	u.Tools.Decisions.Reject += other.Tools.Decisions.Reject
	u.Tools.Decisions.Modify += other.Tools.Decisions.Modify
	u.Tools.Decisions.AutoAccept += other.Tools.Decisions.AutoAccept
	for name, tu := range other.Tools.ByName {
		if u.Tools.ByName == nil {
			u.Tools.ByName = make(map[string]ToolUsage)
		}
		cur := u.Tools.ByName[name]
		cur.Calls += tu.Calls
		cur.Success += tu.Success
		cur.Fail += tu.Fail
		cur.DurationMs += tu.DurationMs
		u.Tools.ByName[name] = cur
	}

	u.Files.LinesAdded += other.Files.LinesAdded
	u.Files.LinesRemoved += other.Files.LinesRemoved
}

// Fold reduces a set of per-message aggregates into one. Nil entries are
// skipped. The fold is commutative and associative, so the result does not
// depend on input order and re-running over the same set is stable.
func Fold(all []*UsageStats) *UsageStats {
	total := New()
	for _, s := range all {
		total.Add(s)
	}
	return total
}

// RecordRequest bumps the API counters for one backend call against model.
func (u *UsageStats) RecordRequest(model string, latencyMs int64, failed bool) {
	if u.Models == nil {
		u.Models = make(map[string]ModelStats)
	}
	cur := u.Models[model]
	cur.API.Requests++
	cur.API.LatencyMs += latencyMs
	if failed {
		cur.API.Errors++
	}
	u.Models[model] = cur
}

// RecordTokens adds token counts for one backend call against model.
func (u *UsageStats) RecordTokens(model string, t TokenStats) {
	if u.Models == nil {
		u.Models = make(map[string]ModelStats)
	}
	cur := u.Models[model]
	cur.Tokens.Prompt += t.Prompt
	cur.Tokens.Candidates += t.Candidates
	cur.Tokens.Total += t.Total
	cur.Tokens.Cached += t.Cached
	cur.Tokens.Thoughts += t.Thoughts
	cur.Tokens.Tool += t.Tool
	u.Models[model] = cur
}

// RecordToolCall bumps the tool counters for one executed call.
func (u *UsageStats) RecordToolCall(name string, durationMs int64, success bool) {
	u.Tools.TotalCalls++
	u.Tools.TotalDurationMs += durationMs
	if u.Tools.ByName == nil {
		u.Tools.ByName = make(map[string]ToolUsage)
	}
	cur := u.Tools.ByName[name]
	cur.Calls++
	cur.DurationMs += durationMs
	if success {
		u.Tools.TotalSuccess++
		cur.Success++
	} else {
		u.Tools.TotalFail++
		cur.Fail++
	}
	u.Tools.ByName[name] = cur
}
