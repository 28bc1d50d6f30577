package model

import (
	"encoding/json"
	"fmt"
)

// JobMessage is the queue payload for one judging job.
type JobMessage struct {
	Record  Record `json:"record"`
	BaseURL string `json:"base_url"`
}

// Validate checks the fields the worker relies on.
func (m JobMessage) Validate() error {
	switch {
	case m.BaseURL == "":
		return fmt.Errorf("base_url is required")
	case m.Record.DomainID == "":
		return fmt.Errorf("record.domain_id is required")
	case m.Record.ID == "":
		return fmt.Errorf("record.id is required")
	}
	return nil
}

// Record is the inbound record descriptor. Fields keeps every attribute the
// worker does not interpret.
type Record struct {
	DomainID string                     `json:"domain_id"`
	ID       string                     `json:"id"`
	Language string                     `json:"language"`
	Fields   map[string]json.RawMessage `json:"-"`
}

func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "domain_id")
	delete(all, "id")
	delete(all, "language")
	if len(all) > 0 {
		p.Fields = all
	}
	*r = Record(p)
	return nil
}

// JobCredentials is returned by a successful claim and scoped to one job.
type JobCredentials struct {
	AccessKeyID           string `json:"access_key_id"`
	SecretAccessKey       string `json:"secret_access_key"`
	ProblemConfigRepoName string `json:"problem_config_repo_name"`
	ProblemConfigCommitID string `json:"problem_config_commit_id"`
	RecordRepoName        string `json:"record_repo_name"`
	RecordCommitID        string `json:"record_commit_id"`
}

// Empty reports whether no credentials were granted.
func (c JobCredentials) Empty() bool {
	return c.AccessKeyID == "" && c.RecordRepoName == "" && c.ProblemConfigRepoName == ""
}
