package ctxbuild

import "github.com/rcliao/agent-tape/internal/model"

// TaskMetaKey is the meta key RuleSelector matches against Task.Tag.
const TaskMetaKey = "task"

// Selector reduces candidates to the subset a task needs. Candidates arrive
// in id order. Implementations must be deterministic; anything returned that
// is not a candidate is ignored.
type Selector interface {
	Select(task Task, candidates []model.Entry) []model.Entry
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(task Task, candidates []model.Entry) []model.Entry

func (f SelectorFunc) Select(task Task, candidates []model.Entry) []model.Entry {
	return f(task, candidates)
}

// AllSelector keeps every candidate.
type AllSelector struct{}

func (AllSelector) Select(_ Task, candidates []model.Entry) []model.Entry { return candidates }

// RuleSelector keeps entries tagged with the task plus the nearest anchor
// preceding each of them. A tagged anchor is its own checkpoint. A task
// without a tag keeps everything.
type RuleSelector struct{}

func (RuleSelector) Select(task Task, candidates []model.Entry) []model.Entry {
	if task.Tag == "" {
		return candidates
	}
	var out []model.Entry
	var anchor *model.Entry
	anchorKept := false
	for i := range candidates {
		e := candidates[i]
		if e.Meta[TaskMetaKey] == task.Tag {
			if e.Kind != model.KindAnchor && anchor != nil && !anchorKept {
				out = append(out, *anchor)
			}
			anchorKept = true
			out = append(out, e)
		}
		if e.Kind == model.KindAnchor {
			anchor = &candidates[i]
			anchorKept = e.Meta[TaskMetaKey] == task.Tag
		}
	}
	return out
}

// DelegateSelector asks a caller supplied judgment for each candidate.
type DelegateSelector struct {
	Judge func(task Task, e model.Entry) bool
}

func (s DelegateSelector) Select(task Task, candidates []model.Entry) []model.Entry {
	if s.Judge == nil {
		return candidates
	}
	var out []model.Entry
	for _, e := range candidates {
		if s.Judge(task, e.Clone()) {
			out = append(out, e)
		}
	}
	return out
}
