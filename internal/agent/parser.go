package agent

import "strings"

// Sentinel tags the model uses to mark its final answer.
const (
	SummaryOpenTag  = "<task_summary>"
	SummaryCloseTag = "</task_summary>"
)

// Outcome classifies a model response.
type Outcome int

const (
	// Continuation means the agent has more work to do.
	Continuation Outcome = iota
	// Terminal means the agent declared the task complete.
	Terminal
)

func (o Outcome) String() string {
	if o == Terminal {
		return "terminal"
	}
	return "continuation"
}

// Parsed is the result of Parse.
type Parsed struct {
	Outcome Outcome
	Summary string
}

// Parse looks for the task summary sentinel in text. The summary is the
// trimmed text between the tags; without a closing tag it runs to the end.
// A sentinel with nothing inside yields the whole trimmed message.
func Parse(text string) Parsed {
	start := strings.Index(text, SummaryOpenTag)
	if start < 0 {
		return Parsed{Outcome: Continuation}
	}
	inner := text[start+len(SummaryOpenTag):]
	if end := strings.Index(inner, SummaryCloseTag); end >= 0 {
		inner = inner[:end]
	}
	summary := strings.TrimSpace(inner)
	if summary == "" {
		summary = strings.TrimSpace(text)
	}
	return Parsed{Outcome: Terminal, Summary: summary}
}
