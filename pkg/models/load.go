package models

// Load is the clear load of a job as published by the dispatcher. It is
// free-form; the keys below are the ones the job cache reads.
type Load map[string]any

const (
	LoadFun        = "fun"
	LoadArg        = "arg"
	LoadTarget     = "tgt"
	LoadTargetType = "tgt_type"
	LoadUser       = "user"
)

// Target returns the target expression, if any.
func (l Load) Target() (any, bool) {
	v, ok := l[LoadTarget]
	return v, ok
}

// TargetType returns tgt_type, defaulting to "glob".
func (l Load) TargetType() string {
	if s, ok := l[LoadTargetType].(string); ok && s != "" {
		return s
	}
	return "glob"
}

// Summary formats the load for job listings. Missing fields fall back to
// the defaults external UIs expect.
func (l Load) Summary(startTime string) JobSummary {
	s := JobSummary{
		Function:   "unknown-function",
		Arguments:  []any{},
		Target:     "unknown-target",
		TargetType: []any{},
		User:       "root",
		StartTime:  startTime,
	}
	if v, ok := l[LoadFun]; ok {
		s.Function = v
	}
	switch v := l[LoadArg].(type) {
	case nil:
	case []any:
		s.Arguments = v
	default:
		s.Arguments = []any{v}
	}
	if v, ok := l[LoadTarget]; ok {
		s.Target = v
	}
	if v, ok := l[LoadTargetType]; ok {
		s.TargetType = v
	}
	if v, ok := l[LoadUser]; ok {
		s.User = v
	}
	return s
}
