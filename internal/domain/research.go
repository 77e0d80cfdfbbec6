package domain

// Defaults applied by RunConfig.Normalize.
const (
	DefaultModel         = "gpt-4o"
	DefaultSearchCount   = 5
	DefaultMaxIterations = 3
	MaxSearchCount       = 10
)

// RunConfig is the configuration snapshot captured with each run.
type RunConfig struct {
	Model         string `json:"model"`
	SearchCount   int    `json:"search_count"`
	MaxIterations int    `json:"max_iterations"`
	Parallelism   int    `json:"parallelism"`
	// Auto skips the clarifying round and answers decisions without a user.
	Auto bool `json:"auto"`
}

// Normalize fills zero values with defaults and clamps bounds.
func (c *RunConfig) Normalize() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SearchCount <= 0 {
		c.SearchCount = DefaultSearchCount
	}
	if c.SearchCount > MaxSearchCount {
		c.SearchCount = MaxSearchCount
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Parallelism <= 0 || c.Parallelism > c.SearchCount {
		c.Parallelism = c.SearchCount
	}
}

// ClarifyingQuestion is one of the three questions the clarifier asks
// before research begins.
type ClarifyingQuestion struct {
	Label    string `json:"label"`
	Question string `json:"question"`
}

// SearchItem is a single planned web search.
type SearchItem struct {
	Query  string `json:"query"`
	Reason string `json:"reason"`
}

// SearchPlan is the planner's ordered set of searches for one iteration.
type SearchPlan struct {
	Searches []SearchItem `json:"searches"`
}

// Truncate limits the plan to the first n items.
func (p *SearchPlan) Truncate(n int) {
	if n >= 0 && len(p.Searches) > n {
		p.Searches = p.Searches[:n]
	}
}

// Citation is an optional source reference attached to a search result.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SearchResult is the outcome of one planned search. A failed search is
// kept as a partial result with the error marker set; evaluation proceeds
// with whatever succeeded.
type SearchResult struct {
	Query     string     `json:"query"`
	Summary   string     `json:"summary,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Failed    bool       `json:"failed,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Gap is a coverage hole identified by the evaluator.
type Gap struct {
	Topic          string `json:"topic"`
	Reason         string `json:"reason"`
	SuggestedQuery string `json:"suggested_query"`
}

// EvaluationVerdict is the evaluator's judgment of the collected research.
type EvaluationVerdict struct {
	CoverageScore int      `json:"coverage_score"`
	Sufficient    bool     `json:"is_sufficient"`
	KeyFindings   []string `json:"key_findings"`
	Gaps          []Gap    `json:"gaps,omitempty"`
	Reasoning     string   `json:"reasoning"`
}

// Report is the writer's final structured output.
type Report struct {
	ShortSummary      string   `json:"short_summary"`
	Markdown          string   `json:"markdown_report"`
	FollowUpQuestions []string `json:"follow_up_questions,omitempty"`
}
