// Package models contains the persisted document shapes of the job cache.
// Field names are part of the storage contract shared with external readers.
package models

import "encoding/json"

// JobRecord is stored under the job id. It is created at reservation time
// with only NoCache set and gains Load and Minions once the dispatcher
// saves the invocation.
type JobRecord struct {
	NoCache bool     `json:"nocache"`
	Load    Load     `json:"load,omitempty"`
	Minions []string `json:"minions,omitempty"`
}

// ResultRecord is stored under "{jid}/{minion}", once per minion.
type ResultRecord struct {
	Return json.RawMessage `json:"return"`
	Out    *string         `json:"out,omitempty"`
}

// Return is the payload a minion sends back for a job.
type Return struct {
	Jid    string          `json:"jid"`
	ID     string          `json:"id"`
	Return json.RawMessage `json:"return"`
	Out    *string         `json:"out,omitempty"`
}

// JobSummary is the listing entry produced for each job with a load.
type JobSummary struct {
	Function   any    `json:"Function"`
	Arguments  []any  `json:"Arguments"`
	Target     any    `json:"Target"`
	TargetType any    `json:"Target-type"`
	User       any    `json:"User"`
	StartTime  string `json:"StartTime"`
}
