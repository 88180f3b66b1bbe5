package models

import "fmt"

// Resource types named in task descriptors
const (
	ResourceTypeProject   = "project"
	ResourceTypeGroup     = "group"
	ResourceTypeUser      = "user"
	ResourceTypeInstance  = "instance"
	ResourceTypeDiscovery = "GROUP_PROJECT_DISCOVERY"
)

// CommandSpec maps a crawl command onto the resource type and data types
// its task descriptor carries
type CommandSpec struct {
	ResourceType string
	DataTypes    []string
}

var commandSpecs = map[CrawlCommand]CommandSpec{
	CommandGroupProjectDiscovery: {ResourceType: ResourceTypeDiscovery, DataTypes: []string{DataTypeDiscovery}},

	CommandGroup:          {ResourceType: ResourceTypeGroup, DataTypes: []string{"details"}},
	CommandGroupMembers:   {ResourceType: ResourceTypeGroup, DataTypes: []string{"members"}},
	CommandGroupProjects:  {ResourceType: ResourceTypeGroup, DataTypes: []string{"groupProjects"}},
	CommandGroupIssues:    {ResourceType: ResourceTypeGroup, DataTypes: []string{"issues"}},
	CommandGroupSubgroups: {ResourceType: ResourceTypeGroup, DataTypes: []string{"groupSubgroups"}},
	CommandEpics:          {ResourceType: ResourceTypeGroup, DataTypes: []string{"epics"}},

	CommandProject:         {ResourceType: ResourceTypeProject, DataTypes: []string{"details"}},
	CommandProjectMembers:  {ResourceType: ResourceTypeProject, DataTypes: []string{"members"}},
	CommandIssues:          {ResourceType: ResourceTypeProject, DataTypes: []string{"issues"}},
	CommandMergeRequests:   {ResourceType: ResourceTypeProject, DataTypes: []string{"mergeRequests"}},
	CommandBranches:        {ResourceType: ResourceTypeProject, DataTypes: []string{"branches"}},
	CommandPipelines:       {ResourceType: ResourceTypeProject, DataTypes: []string{"pipelines"}},
	CommandCommits:         {ResourceType: ResourceTypeProject, DataTypes: []string{"commits"}},
	CommandReleases:        {ResourceType: ResourceTypeProject, DataTypes: []string{"releases"}},
	CommandVulnerabilities: {ResourceType: ResourceTypeProject, DataTypes: []string{"vulnerabilities"}},
	CommandTimelogs:        {ResourceType: ResourceTypeProject, DataTypes: []string{"timelogs"}},

	CommandLabels:             {ResourceType: ResourceTypeProject, DataTypes: []string{"labels"}},
	CommandMilestones:         {ResourceType: ResourceTypeProject, DataTypes: []string{"milestones"}},
	CommandAuthorizationScope: {ResourceType: ResourceTypeInstance, DataTypes: []string{"authorizationScope"}},
}

// SpecForCommand resolves the descriptor mapping for a command
func SpecForCommand(command CrawlCommand) (CommandSpec, error) {
	spec, ok := commandSpecs[command]
	if !ok {
		return CommandSpec{}, fmt.Errorf("unknown crawl command: %s", command)
	}
	return spec, nil
}

// CommandProducesDataType reports whether the command's descriptor would
// carry the given data type. Used by resource-filtered claims.
func CommandProducesDataType(command CrawlCommand, dataType string) bool {
	spec, ok := commandSpecs[command]
	if !ok {
		return false
	}
	for _, dt := range spec.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// IsDiscoveryCommand reports whether a command enumerates child areas
func IsDiscoveryCommand(command CrawlCommand) bool {
	switch command {
	case CommandGroupProjectDiscovery, CommandGroupProjects, CommandGroupSubgroups:
		return true
	}
	return false
}
