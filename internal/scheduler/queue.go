package scheduler

import (
	"container/heap"
	"time"

	"fetchd/model"
)

// queueItem is the scheduling snapshot of one queued task. notBefore folds
// both the user schedule time and any computed retry backoff, so eligibility
// is just "notBefore passed and network requirement satisfied".
type queueItem struct {
	id         string
	rank       int
	notBefore  time.Time
	createdAt  time.Time
	networkReq model.NetworkRequirement
	index      int
}

// taskQueue is an index-addressable priority heap keyed by
// (priority tier desc, notBefore asc, createdAt asc). Updates and removals
// by id run in O(log n) instead of re-sorting on every tick.
type taskQueue struct {
	items []*queueItem
	byID  map[string]*queueItem
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: make(map[string]*queueItem)}
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	if !a.notBefore.Equal(b.notBefore) {
		return a.notBefore.Before(b.notBefore)
	}
	return a.createdAt.Before(b.createdAt)
}

func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
	q.byID[item.id] = item
}

func (q *taskQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	delete(q.byID, item.id)
	return item
}

// add inserts or replaces the snapshot for a task id.
func (q *taskQueue) add(item *queueItem) {
	if existing, ok := q.byID[item.id]; ok {
		existing.rank = item.rank
		existing.notBefore = item.notBefore
		existing.createdAt = item.createdAt
		existing.networkReq = item.networkReq
		heap.Fix(q, existing.index)
		return
	}
	heap.Push(q, item)
}

// contains reports whether the task id is queued.
func (q *taskQueue) contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

// remove drops a task id from the queue if present.
func (q *taskQueue) remove(id string) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	return true
}

// reprioritize moves a queued task to a new tier in place.
func (q *taskQueue) reprioritize(id string, rank int) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	item.rank = rank
	heap.Fix(q, item.index)
	return true
}

// take pops items in priority order and hands each to visit; items visit
// declines are pushed back afterwards, preserving their positions. visit
// returns take=true to claim the item and stop=true to end the scan early.
func (q *taskQueue) take(visit func(item *queueItem) (take, stop bool)) []*queueItem {
	var taken []*queueItem
	var skipped []*queueItem
	for q.Len() > 0 {
		item := heap.Pop(q).(*queueItem)
		took, stop := visit(item)
		if took {
			taken = append(taken, item)
		} else {
			skipped = append(skipped, item)
		}
		if stop {
			break
		}
	}
	for _, item := range skipped {
		heap.Push(q, item)
	}
	return taken
}
