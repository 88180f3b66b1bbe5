package models

import "time"

// AreaType distinguishes group and project namespaces
type AreaType string

const (
	AreaTypeGroup   AreaType = "group"
	AreaTypeProject AreaType = "project"
)

// Area is a namespace (group or project) discovered during crawling.
// Areas are created on first discovery and never destroyed by the core.
type Area struct {
	FullPath     string    `json:"full_path" badgerhold:"key"`
	GitLabID     string    `json:"gitlab_id,omitempty"`
	Name         string    `json:"name"`
	Type         AreaType  `json:"type" badgerhold:"index"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
