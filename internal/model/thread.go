package model

import "time"

// PullRequestRef addresses one pull request in the source-control system.
type PullRequestRef struct {
	Organization  string `json:"organization"`
	Project       string `json:"project"`
	RepositoryID  string `json:"repositoryId"`
	PullRequestID int    `json:"pullRequestId"`
}

// ThreadLink records which finding a posted comment thread is about.
type ThreadLink struct {
	PullRequestRef
	ThreadID   int        `json:"threadId"`
	FindingID  string     `json:"findingId"`
	PostedAt   time.Time  `json:"postedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}
