// -----------------------------------------------------------------------
// Job - persistent unit of crawl work
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusPaused   JobStatus = "paused"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
)

// IsTerminal returns true for states that end the current attempt
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// CrawlCommand names a crawl operation. Commands are stored in their
// canonical mixed-case form; use NormalizeCommand at every ingress point.
type CrawlCommand string

const (
	CommandGroupProjectDiscovery CrawlCommand = "GROUP_PROJECT_DISCOVERY"

	CommandGroup          CrawlCommand = "group"
	CommandGroupMembers   CrawlCommand = "groupMembers"
	CommandGroupProjects  CrawlCommand = "groupProjects"
	CommandGroupIssues    CrawlCommand = "groupIssues"
	CommandGroupSubgroups CrawlCommand = "groupSubgroups"
	CommandEpics          CrawlCommand = "epics"

	CommandProject         CrawlCommand = "project"
	CommandProjectMembers  CrawlCommand = "projectMembers"
	CommandIssues          CrawlCommand = "issues"
	CommandMergeRequests   CrawlCommand = "mergeRequests"
	CommandBranches        CrawlCommand = "branches"
	CommandPipelines       CrawlCommand = "pipelines"
	CommandCommits         CrawlCommand = "commits"
	CommandReleases        CrawlCommand = "releases"
	CommandVulnerabilities CrawlCommand = "vulnerabilities"
	CommandTimelogs        CrawlCommand = "timelogs"

	CommandLabels             CrawlCommand = "labels"
	CommandMilestones         CrawlCommand = "milestones"
	CommandAuthorizationScope CrawlCommand = "authorizationScope"
)

// DataTypeDiscovery is the data type carried by discovery task descriptors
const DataTypeDiscovery = "discover_all_groups_projects"

var canonicalCommands = func() map[string]CrawlCommand {
	all := []CrawlCommand{
		CommandGroupProjectDiscovery,
		CommandGroup, CommandGroupMembers, CommandGroupProjects,
		CommandGroupIssues, CommandGroupSubgroups, CommandEpics,
		CommandProject, CommandProjectMembers, CommandIssues,
		CommandMergeRequests, CommandBranches, CommandPipelines,
		CommandCommits, CommandReleases, CommandVulnerabilities,
		CommandTimelogs, CommandLabels, CommandMilestones,
		CommandAuthorizationScope,
	}
	m := make(map[string]CrawlCommand, len(all))
	for _, c := range all {
		m[strings.ToLower(string(c))] = c
	}
	return m
}()

// NormalizeCommand maps any casing of a command name onto its canonical
// form. Returns false for unknown commands.
func NormalizeCommand(name string) (CrawlCommand, bool) {
	c, ok := canonicalCommands[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// GroupCommands is the fan-out set created for a discovered group
func GroupCommands() []CrawlCommand {
	return []CrawlCommand{
		CommandGroup, CommandGroupMembers, CommandGroupProjects,
		CommandGroupSubgroups, CommandGroupIssues, CommandEpics,
		CommandLabels, CommandMilestones,
	}
}

// ProjectCommands is the fan-out set created for a discovered project
func ProjectCommands() []CrawlCommand {
	return []CrawlCommand{
		CommandProject, CommandProjectMembers, CommandIssues,
		CommandMergeRequests, CommandBranches, CommandPipelines,
		CommandCommits, CommandReleases, CommandVulnerabilities,
		CommandTimelogs, CommandLabels, CommandMilestones,
	}
}

// DataTypeProgress tracks per-dataType pagination state. The map of these,
// keyed by data type, is both the job's progress counters and (serialized)
// its resume state for paginated commands. Discovery jobs use the synthetic
// keys "groups" and "projects", one per cursor walk.
type DataTypeProgress struct {
	AfterCursor string     `json:"afterCursor,omitempty"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
	ErrorCount  int        `json:"errorCount,omitempty"`
	Fetched     int        `json:"fetched,omitempty"`
	Total       int        `json:"total,omitempty"`
}

// Job is the persistent unit of work. The store owns these records;
// anything in memory is a cache rebuilt from the store on restart.
//
// Duplicate suppression invariant: at most one job per
// (AccountID, Command, FullPath) tuple may be queued or running at a time.
type Job struct {
	ID               string                       `json:"id" badgerhold:"key"`
	Command          CrawlCommand                 `json:"command" badgerhold:"index"`
	Status           JobStatus                    `json:"status" badgerhold:"index"`
	AccountID        string                       `json:"account_id" badgerhold:"index"`
	ProviderID       string                       `json:"provider_id"`
	UserID           string                       `json:"user_id"`
	FullPath         string                       `json:"full_path,omitempty"`
	GitLabGraphQLURL string                       `json:"gitlab_graphql_url,omitempty"`
	Branch           string                       `json:"branch,omitempty"`
	From             string                       `json:"from,omitempty"`
	To               string                       `json:"to,omitempty"`
	ResumeState      json.RawMessage              `json:"resume_state,omitempty"`
	Progress         map[string]*DataTypeProgress `json:"progress,omitempty"`
	Error            string                       `json:"error,omitempty"`
	SpawnedFrom      string                       `json:"spawned_from,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
	StartedAt        *time.Time                   `json:"started_at,omitempty"`
	FinishedAt       *time.Time                   `json:"finished_at,omitempty"`
}

// HasResumeState reports whether a checkpoint exists for this job
func (j *Job) HasResumeState() bool {
	return len(j.ResumeState) > 0 && string(j.ResumeState) != "null"
}

// ResumeProgress decodes the checkpointed per-dataType cursors. Returns an
// empty map when no checkpoint exists or the state has a different shape.
func (j *Job) ResumeProgress() map[string]*DataTypeProgress {
	out := make(map[string]*DataTypeProgress)
	if !j.HasResumeState() {
		return out
	}
	if err := json.Unmarshal(j.ResumeState, &out); err != nil {
		return make(map[string]*DataTypeProgress)
	}
	return out
}
