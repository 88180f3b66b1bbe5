package gitlab

import (
	"fmt"

	"github.com/colligohq/colligo/internal/models"
)

// QueryDef binds a GraphQL query to the path of the connection (or object)
// inside the response data block
type QueryDef struct {
	Query string
	Path  []string
}

// Discovery queries enumerate every group and project the token can see.
// Groups and projects paginate independently.
var (
	DiscoveryGroupsQuery = QueryDef{
		Query: `query($first: Int, $after: String) {
  currentUser {
    groups(first: $first, after: $after) {
      nodes { id name fullPath visibility }
      pageInfo { hasNextPage endCursor }
      count
    }
  }
}`,
		Path: []string{"currentUser", "groups"},
	}

	DiscoveryProjectsQuery = QueryDef{
		Query: `query($first: Int, $after: String) {
  projects(membership: true, first: $first, after: $after) {
    nodes { id name fullPath visibility group { id fullPath } }
    pageInfo { hasNextPage endCursor }
    count
  }
}`,
		Path: []string{"projects"},
	}
)

var groupQueries = map[string]QueryDef{
	"details": {
		Query: `query($fullPath: ID!) {
  group(fullPath: $fullPath) {
    id name fullPath description visibility webUrl createdAt
    projectsCount: projects { count }
  }
}`,
		Path: []string{"group"},
	},
	"members": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  group(fullPath: $fullPath) {
    groupMembers(first: $first, after: $after) {
      nodes {
        id accessLevel { integerValue stringValue }
        user { id username name publicEmail }
      }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"group", "groupMembers"},
	},
	"groupProjects": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  group(fullPath: $fullPath) {
    projects(includeSubgroups: true, first: $first, after: $after) {
      nodes { id name fullPath visibility archived }
      pageInfo { hasNextPage endCursor }
      count
    }
  }
}`,
		Path: []string{"group", "projects"},
	},
	"groupSubgroups": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  group(fullPath: $fullPath) {
    descendantGroups(first: $first, after: $after) {
      nodes { id name fullPath visibility }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"group", "descendantGroups"},
	},
	"issues": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  group(fullPath: $fullPath) {
    issues(includeSubgroups: true, first: $first, after: $after) {
      nodes {
        id iid title description state createdAt updatedAt closedAt
        author { username } labels { nodes { title } }
      }
      pageInfo { hasNextPage endCursor }
      count
    }
  }
}`,
		Path: []string{"group", "issues"},
	},
	"epics": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  group(fullPath: $fullPath) {
    epics(first: $first, after: $after) {
      nodes { id iid title description state createdAt closedAt author { username } }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"group", "epics"},
	},
	"labels": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  group(fullPath: $fullPath) {
    labels(first: $first, after: $after, includeDescendantGroups: true) {
      nodes { id title description color }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"group", "labels"},
	},
	"milestones": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  group(fullPath: $fullPath) {
    milestones(first: $first, after: $after, includeDescendants: true) {
      nodes { id iid title description state startDate dueDate }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"group", "milestones"},
	},
}

var projectQueries = map[string]QueryDef{
	"details": {
		Query: `query($fullPath: ID!) {
  project(fullPath: $fullPath) {
    id name fullPath description visibility webUrl createdAt lastActivityAt
    archived starCount forksCount
    namespace { id fullPath }
    statistics { repositorySize commitCount }
  }
}`,
		Path: []string{"project"},
	},
	"members": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    projectMembers(first: $first, after: $after) {
      nodes {
        id accessLevel { integerValue stringValue }
        user { id username name publicEmail }
      }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"project", "projectMembers"},
	},
	"issues": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    issues(first: $first, after: $after) {
      nodes {
        id iid title description state createdAt updatedAt closedAt
        author { username } assignees { nodes { username } }
        labels { nodes { title } }
      }
      pageInfo { hasNextPage endCursor }
      count
    }
  }
}`,
		Path: []string{"project", "issues"},
	},
	"mergeRequests": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    mergeRequests(first: $first, after: $after) {
      nodes {
        id iid title description state createdAt updatedAt mergedAt
        sourceBranch targetBranch author { username }
      }
      pageInfo { hasNextPage endCursor }
      count
    }
  }
}`,
		Path: []string{"project", "mergeRequests"},
	},
	"branches": {
		Query: `query($fullPath: ID!) {
  project(fullPath: $fullPath) {
    repository { branchNames(searchPattern: "*", offset: 0, limit: 100) }
  }
}`,
		Path: []string{"project", "repository", "branchNames"},
	},
	"pipelines": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    pipelines(first: $first, after: $after) {
      nodes { id iid sha status ref duration createdAt finishedAt }
      pageInfo { hasNextPage endCursor }
      count
    }
  }
}`,
		Path: []string{"project", "pipelines"},
	},
	"commits": {
		Query: `query($fullPath: ID!, $branch: String) {
  project(fullPath: $fullPath) {
    repository {
      tree(ref: $branch) {
        lastCommit { id sha title message authoredDate authorName authorEmail webUrl }
      }
    }
  }
}`,
		Path: []string{"project", "repository", "tree", "lastCommit"},
	},
	"releases": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    releases(first: $first, after: $after) {
      nodes { name tagName description releasedAt author { username } }
      pageInfo { hasNextPage endCursor }
      count
    }
  }
}`,
		Path: []string{"project", "releases"},
	},
	"vulnerabilities": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    vulnerabilities(first: $first, after: $after) {
      nodes { id title severity state reportType detectedAt }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"project", "vulnerabilities"},
	},
	"timelogs": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    timelogs(first: $first, after: $after) {
      nodes { timeSpent spentAt summary user { username } issue { iid } }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"project", "timelogs"},
	},
	"labels": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    labels(first: $first, after: $after) {
      nodes { id title description color }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"project", "labels"},
	},
	"milestones": {
		Query: `query($fullPath: ID!, $first: Int, $after: String) {
  project(fullPath: $fullPath) {
    milestones(first: $first, after: $after) {
      nodes { id iid title description state startDate dueDate }
      pageInfo { hasNextPage endCursor }
    }
  }
}`,
		Path: []string{"project", "milestones"},
	},
}

var instanceQueries = map[string]QueryDef{
	"authorizationScope": {
		Query: `query {
  currentUser { id username name publicEmail groupCount }
}`,
		Path: []string{"currentUser"},
	},
}

// QueryFor resolves the query definition for a resource type and data type
func QueryFor(resourceType, dataType string) (QueryDef, error) {
	var defs map[string]QueryDef
	switch resourceType {
	case models.ResourceTypeGroup:
		defs = groupQueries
	case models.ResourceTypeProject:
		defs = projectQueries
	case models.ResourceTypeInstance:
		defs = instanceQueries
	default:
		return QueryDef{}, fmt.Errorf("no queries for resource type %q", resourceType)
	}

	def, ok := defs[dataType]
	if !ok {
		return QueryDef{}, fmt.Errorf("no %s query for data type %q", resourceType, dataType)
	}
	return def, nil
}
