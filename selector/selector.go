// Package selector derives read-only views from store snapshots.
package selector

import (
	"time"

	"taskboard/domain"
	"taskboard/store"
)

// Items returns the mirrored records in store order.
func Items[T any](st store.State[T]) []T {
	return st.Items
}

// Status returns the phase of the latest fetch-all.
func Status[T any](st store.State[T]) domain.Phase {
	return st.Phase
}

// Error returns the message of the latest failed fetch-all, or "".
func Error[T any](st store.State[T]) string {
	return st.Err
}

// ByID returns the record with the given id.
func ByID[T domain.Entity[T]](st store.State[T], id string) (T, bool) {
	for _, it := range st.Items {
		if it.EntityID() == id {
			return it, true
		}
	}
	var zero T
	return zero, false
}

func filter[T any](items []T, keep func(T) bool) []T {
	var out []T
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// TasksInList returns the tasks whose listId is listID.
func TasksInList(st store.State[domain.Task], listID string) []domain.Task {
	return filter(st.Items, func(t domain.Task) bool { return t.ListID == listID })
}

// TasksInGroup returns the tasks whose groupId is groupID.
func TasksInGroup(st store.State[domain.Task], groupID string) []domain.Task {
	return filter(st.Items, func(t domain.Task) bool { return t.GroupID == groupID })
}

// ListsInGroup returns the lists whose groupId is groupID.
func ListsInGroup(st store.State[domain.List], groupID string) []domain.List {
	return filter(st.Items, func(l domain.List) bool { return l.GroupID == groupID })
}

// OpenTasks returns the tasks not marked completed.
func OpenTasks(st store.State[domain.Task]) []domain.Task {
	return filter(st.Items, func(t domain.Task) bool { return !t.Completed })
}

// CompletedTasks returns the tasks marked completed.
func CompletedTasks(st store.State[domain.Task]) []domain.Task {
	return filter(st.Items, func(t domain.Task) bool { return t.Completed })
}

// TasksDueBetween returns tasks whose end date lies in [from, to).
func TasksDueBetween(st store.State[domain.Task], from, to time.Time) []domain.Task {
	return filter(st.Items, func(t domain.Task) bool {
		return t.EndDate != nil && !t.EndDate.Before(from) && t.EndDate.Before(to)
	})
}

// Dangling is a soft reference to a record the mirror does not hold.
type Dangling struct {
	From     domain.Kind
	FromID   string
	Field    string
	To       domain.Kind
	TargetID string
}

// DanglingReferences reports every listId, groupId, taskIds and lists entry
// that points at an id absent from the given snapshots. Nothing is removed.
func DanglingReferences(tasks store.State[domain.Task], lists store.State[domain.List], groups store.State[domain.Group]) []Dangling {
	taskIDs := ids(tasks.Items)
	listIDs := ids(lists.Items)
	groupIDs := ids(groups.Items)

	var out []Dangling
	check := func(from domain.Kind, fromID, field string, to domain.Kind, known map[string]struct{}, target string) {
		if target == "" {
			return
		}
		if _, ok := known[target]; !ok {
			out = append(out, Dangling{From: from, FromID: fromID, Field: field, To: to, TargetID: target})
		}
	}
	for _, t := range tasks.Items {
		check(domain.KindTask, t.ID, "listId", domain.KindList, listIDs, t.ListID)
		check(domain.KindTask, t.ID, "groupId", domain.KindGroup, groupIDs, t.GroupID)
	}
	for _, l := range lists.Items {
		check(domain.KindList, l.ID, "groupId", domain.KindGroup, groupIDs, l.GroupID)
		for _, id := range l.TaskIDs {
			check(domain.KindList, l.ID, "taskIds", domain.KindTask, taskIDs, id)
		}
	}
	for _, g := range groups.Items {
		for _, id := range g.Lists {
			check(domain.KindGroup, g.ID, "lists", domain.KindList, listIDs, id)
		}
	}
	return out
}

func ids[T domain.Entity[T]](items []T) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it.EntityID()] = struct{}{}
	}
	return out
}
