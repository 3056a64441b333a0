package prthread

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/security-advisor/internal/apperr"
	"github.com/yourorg/security-advisor/internal/model"
)

// InlineThreshold is the minimum recommendation score for an inline comment.
const InlineThreshold = 0.8

const (
	StatusName  = "Security Advisor"
	StatusGenre = "security"
)

const previewSystemPrompt = `You write pull request review comments about security findings.
You receive a JSON array of findings, each with its best remediation recommendation if one exists.
Write GitHub-flavoured markdown that starts with the heading "## Security Review", groups findings by
severity from Critical to Info, and for each finding gives the file and line, the confidence with its
percentage, the recommendation and any reasons it should not be fixed automatically. Include each
finding's id on its own line as "Finding ID: <id>".
End with a section headed "### Approval Status" stating that a person must review the changes.
Never suggest that anything can be merged automatically.`

type CommentRequest struct {
	PullRequest model.PullRequestRef `json:"pullRequest"`
	// FindingIDs selects the findings to cover. Empty means every open
	// finding in the pull request's organization and project.
	FindingIDs  []string `json:"findingIds,omitempty"`
	PreviewOnly bool     `json:"previewOnly,omitempty"`
}

type PostResult struct {
	ThreadID   int       `json:"threadId,omitempty"`
	URL        string    `json:"url,omitempty"`
	PostedAt   time.Time `json:"postedAt"`
	Content    string    `json:"content"`
	FindingIDs []string  `json:"findingIds"`
}

type ResolvedThread struct {
	ThreadID   int       `json:"threadId"`
	FindingIDs []string  `json:"findingIds"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

type StatusResult struct {
	CommitStatus
	Counts map[model.Severity]int `json:"counts"`
}

func validPR(pr model.PullRequestRef) error {
	if pr.RepositoryID == "" || pr.PullRequestID <= 0 {
		return apperr.Validation("repositoryId and a positive pullRequestId are required")
	}
	return nil
}

func (r *Reconciler) selectFindings(ctx context.Context, req CommentRequest) ([]model.Finding, error) {
	if len(req.FindingIDs) == 0 {
		return r.openFindings(ctx, req.PullRequest)
	}
	fs, err := r.repo.ListFindings(ctx, model.FindingFilter{IDs: req.FindingIDs})
	if err != nil {
		return nil, err
	}
	if len(fs) != len(req.FindingIDs) {
		for _, id := range req.FindingIDs {
			if !slices.ContainsFunc(fs, func(f model.Finding) bool { return f.ID == id }) {
				return nil, apperr.NotFound("finding %s: not found", id)
			}
		}
	}
	return fs, nil
}

// Preview renders the review comment without posting it and returns the
// ids of the findings it covers, most severe first. A backend answer is used
// only when it carries the review and approval headings; anything else,
// including a backend error, falls back to the local renderer.
func (r *Reconciler) Preview(ctx context.Context, req CommentRequest) (string, []string, error) {
	fs, err := r.selectFindings(ctx, req)
	if err != nil {
		return "", nil, err
	}
	if len(fs) == 0 {
		return NoFindingsMarkdown, nil, nil
	}
	items := make([]reviewItem, 0, len(fs))
	for _, f := range fs {
		rec, err := r.best(ctx, f.ID)
		if err != nil {
			return "", nil, err
		}
		items = append(items, reviewItem{Finding: f, Recommendation: rec})
	}
	// Stable so that input order survives within a severity.
	slices.SortStableFunc(items, func(a, b reviewItem) int {
		return a.Finding.Severity.Rank() - b.Finding.Severity.Rank()
	})
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.Finding.ID
	}

	if r.backend != nil {
		if md, ok := r.generatePreview(ctx, items); ok {
			return md, ids, nil
		}
	}
	return renderReview(items), ids, nil
}

func (r *Reconciler) generatePreview(ctx context.Context, items []reviewItem) (string, bool) {
	payload, err := json.Marshal(items)
	if err != nil {
		r.log.Warn("encode review payload", zap.Error(err))
		return "", false
	}
	md, err := r.backend.Generate(ctx, previewSystemPrompt, string(payload))
	if err != nil {
		r.log.Warn("preview generation failed, rendering locally", zap.Error(err))
		return "", false
	}
	if !acceptPreview(md) {
		r.log.Warn("preview missing required sections, rendering locally", zap.Int("length", len(md)))
		return "", false
	}
	return md, true
}

// PostComment previews and, unless PreviewOnly is set, posts a PR-wide
// thread and records a link for every covered finding.
func (r *Reconciler) PostComment(ctx context.Context, req CommentRequest) (*PostResult, error) {
	if err := validPR(req.PullRequest); err != nil {
		return nil, err
	}
	content, ids, err := r.Preview(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &PostResult{Content: content, FindingIDs: ids, PostedAt: r.now().UTC()}
	if req.PreviewOnly {
		return res, nil
	}

	var t *Thread
	err = r.call(ctx, "create_thread", func(ctx context.Context) error {
		var err error
		t, err = r.scm.CreateThread(ctx, req.PullRequest, NewThread{Content: content, FilePath: virtualReviewPath, Status: ThreadActive})
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.recordPost(ctx, req.PullRequest, t, res, false)
}

func (r *Reconciler) recordPost(ctx context.Context, pr model.PullRequestRef, t *Thread, res *PostResult, inline bool) (*PostResult, error) {
	res.ThreadID = t.ID
	res.URL = t.URL
	if !t.PublishedAt.IsZero() {
		res.PostedAt = t.PublishedAt
	}
	if err := r.link(ctx, pr, t.ID, res.FindingIDs, res.PostedAt); err != nil {
		return nil, err
	}
	findingID := ""
	if inline {
		findingID = res.FindingIDs[0]
	}
	err := r.emit(ctx, pr, model.EventPRCommentPosted, findingID, map[string]string{
		"threadId":     strconv.Itoa(t.ID),
		"findingCount": strconv.Itoa(len(res.FindingIDs)),
		"inline":       strconv.FormatBool(inline),
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("comment posted", zap.Int("pull_request_id", pr.PullRequestID), zap.Int("thread_id", t.ID),
		zap.Int("findings", len(res.FindingIDs)), zap.Bool("inline", inline))
	return res, nil
}

// link records that threadID covers ids. Links that already exist are kept.
func (r *Reconciler) link(ctx context.Context, pr model.PullRequestRef, threadID int, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	links := make([]model.ThreadLink, len(ids))
	for i, id := range ids {
		links[i] = model.ThreadLink{PullRequestRef: pr, ThreadID: threadID, FindingID: id, PostedAt: at}
	}
	return r.repo.InsertThreadLinks(ctx, links)
}

// UpdateComment re-renders the review and replaces the first comment of an
// existing thread with it.
func (r *Reconciler) UpdateComment(ctx context.Context, req CommentRequest, threadID int) (*PostResult, error) {
	if err := validPR(req.PullRequest); err != nil {
		return nil, err
	}
	if threadID <= 0 {
		return nil, apperr.Validation("threadId must be positive")
	}
	content, ids, err := r.Preview(ctx, req)
	if err != nil {
		return nil, err
	}

	var t *Thread
	err = r.call(ctx, "get_thread", func(ctx context.Context) error {
		var err error
		t, err = r.scm.GetThread(ctx, req.PullRequest, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(t.Comments) == 0 {
		return nil, apperr.NotFound("thread %d has no comments", threadID)
	}
	err = r.call(ctx, "update_comment", func(ctx context.Context) error {
		return r.scm.UpdateComment(ctx, req.PullRequest, threadID, t.Comments[0].ID, content)
	})
	if err != nil {
		return nil, err
	}
	res := &PostResult{ThreadID: t.ID, URL: t.URL, PostedAt: r.now().UTC(), Content: content, FindingIDs: ids}
	if err := r.link(ctx, req.PullRequest, t.ID, ids, res.PostedAt); err != nil {
		return nil, err
	}
	return res, nil
}

// PostInlineComment anchors a thread on the finding's line. It refuses
// unless the finding's best recommendation reaches InlineThreshold.
func (r *Reconciler) PostInlineComment(ctx context.Context, pr model.PullRequestRef, findingID string) (*PostResult, error) {
	if err := validPR(pr); err != nil {
		return nil, err
	}
	f, err := r.repo.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, apperr.Validation("finding %s has no file to comment on", f.ID)
	}
	rec, err := r.best(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.Validation("finding %s has no recommendation; inline comments need confidence of at least %d%%",
			f.ID, percent(InlineThreshold))
	}
	if rec.ConfidenceScore < InlineThreshold {
		return nil, apperr.Validation("best recommendation for finding %s has confidence %d%%; inline comments need at least %d%%",
			f.ID, percent(rec.ConfidenceScore), percent(InlineThreshold))
	}

	line := 1
	if f.LineNumber != nil && *f.LineNumber > 0 {
		line = *f.LineNumber
	}
	content := renderInline(f, rec)
	var t *Thread
	err = r.call(ctx, "create_thread", func(ctx context.Context) error {
		var err error
		t, err = r.scm.CreateThread(ctx, pr, NewThread{Content: content, FilePath: f.FilePath, Line: line, Status: ThreadActive})
		return err
	})
	if err != nil {
		return nil, err
	}
	res := &PostResult{Content: content, FindingIDs: []string{f.ID}, PostedAt: r.now().UTC()}
	return r.recordPost(ctx, pr, t, res, true)
}

// ResolveFixedThreads resolves every open security thread whose findings
// are all no longer open. Threads with recorded links are judged by the
// links; older threads without links by the finding ids in their text.
func (r *Reconciler) ResolveFixedThreads(ctx context.Context, pr model.PullRequestRef) ([]ResolvedThread, error) {
	if err := validPR(pr); err != nil {
		return nil, err
	}
	var threads []Thread
	err := r.call(ctx, "list_threads", func(ctx context.Context) error {
		var err error
		threads, err = r.scm.ListThreads(ctx, pr)
		return err
	})
	if err != nil {
		return nil, err
	}
	links, err := r.repo.ListThreadLinks(ctx, pr)
	if err != nil {
		return nil, err
	}
	open, err := r.openFindings(ctx, pr)
	if err != nil {
		return nil, err
	}
	isOpen := make(map[string]bool, len(open))
	for _, f := range open {
		isOpen[f.ID] = true
	}
	byThread := map[int][]model.ThreadLink{}
	for _, l := range links {
		byThread[l.ThreadID] = append(byThread[l.ThreadID], l)
	}

	type candidate struct {
		thread Thread
		ids    []string
		linked bool
	}
	var todo []candidate
	for _, t := range threads {
		if !t.Status.Open() {
			continue
		}
		var (
			ids    []string
			linked bool
		)
		if tl, ok := byThread[t.ID]; ok {
			linked = true
			for _, l := range tl {
				if l.ResolvedAt == nil {
					ids = append(ids, l.FindingID)
				}
			}
		} else if len(t.Comments) > 0 && isSecurityThread(t.Comments[0].Content) {
			ids = extractFindingIDs(t.Comments[0].Content)
		}
		if len(ids) == 0 || slices.ContainsFunc(ids, func(id string) bool { return isOpen[id] }) {
			continue
		}
		todo = append(todo, candidate{thread: t, ids: ids, linked: linked})
	}

	var (
		mu  sync.Mutex
		out []ResolvedThread
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ResolveConcurrency)
	for _, c := range todo {
		c := c
		g.Go(func() error {
			rt, err := r.resolve(gctx, pr, c.thread, c.ids, c.linked)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, rt)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	slices.SortFunc(out, func(a, b ResolvedThread) int { return a.ThreadID - b.ThreadID })
	return out, err
}

func (r *Reconciler) resolve(ctx context.Context, pr model.PullRequestRef, t Thread, ids []string, linked bool) (ResolvedThread, error) {
	err := r.call(ctx, "create_comment", func(ctx context.Context) error {
		_, err := r.scm.CreateComment(ctx, pr, t.ID, resolutionComment)
		return err
	})
	if err != nil {
		return ResolvedThread{}, err
	}
	err = r.call(ctx, "set_thread_status", func(ctx context.Context) error {
		return r.scm.SetThreadStatus(ctx, pr, t.ID, ThreadFixed)
	})
	if err != nil {
		return ResolvedThread{}, err
	}
	at := r.now().UTC()
	if linked {
		if err := r.repo.MarkThreadResolved(ctx, pr, t.ID, at); err != nil {
			return ResolvedThread{}, err
		}
	}
	props := map[string]string{
		"threadId":   strconv.Itoa(t.ID),
		"findingIds": strings.Join(ids, ","),
		"matchedBy":  "link",
	}
	if !linked {
		props["matchedBy"] = "text"
	}
	if err := r.emit(ctx, pr, model.EventPRThreadResolved, ids[0], props); err != nil {
		return ResolvedThread{}, err
	}
	r.opts.Metrics.ThreadResolved()
	r.log.Info("thread resolved", zap.Int("pull_request_id", pr.PullRequestID), zap.Int("thread_id", t.ID),
		zap.Strings("finding_ids", ids))
	return ResolvedThread{ThreadID: t.ID, FindingIDs: ids, ResolvedAt: at}, nil
}

// PostPrStatus publishes the pass/fail check for the pull request. Any open
// critical or high finding fails it.
func (r *Reconciler) PostPrStatus(ctx context.Context, pr model.PullRequestRef, targetURL string) (*StatusResult, error) {
	if err := validPR(pr); err != nil {
		return nil, err
	}
	open, err := r.openFindings(ctx, pr)
	if err != nil {
		return nil, err
	}
	counts := map[model.Severity]int{}
	for _, f := range open {
		counts[f.Severity]++
	}
	state, desc := statusDescription(counts)
	s := CommitStatus{State: state, Description: desc, Name: StatusName, Genre: StatusGenre, TargetURL: targetURL}
	if err := r.call(ctx, "create_status", func(ctx context.Context) error {
		return r.scm.CreateStatus(ctx, pr, s)
	}); err != nil {
		return nil, err
	}
	err = r.emit(ctx, pr, model.EventPRStatusPosted, "", map[string]string{
		"state":    string(state),
		"critical": strconv.Itoa(counts[model.SeverityCritical]),
		"high":     strconv.Itoa(counts[model.SeverityHigh]),
	})
	if err != nil {
		return nil, err
	}
	return &StatusResult{CommitStatus: s, Counts: counts}, nil
}
