package domain

import (
	"errors"
	"strings"
	"time"
)

// Task status values used by the board.
const (
	TaskPending    = "pending"
	TaskInProgress = "in-progress"
	TaskDone       = "done"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task is a single board item. ListID and GroupID are soft references.
type Task struct {
	ID            string     `json:"id,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        string     `json:"status,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	ListID        string     `json:"listId,omitempty"`
	GroupID       string     `json:"groupId,omitempty"`
	AssignedUsers []string   `json:"assignedUsers,omitempty"`
	StartDate     *time.Time `json:"startDate,omitempty"`
	EndDate       *time.Time `json:"endDate,omitempty"`
	Completed     bool       `json:"completed"`
}

func (t Task) EntityID() string { return t.ID }

func (t Task) WithID(id string) Task {
	t.ID = id
	return t
}

func (Task) Kind() Kind { return KindTask }

func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("task title is required")
	}
	if t.StartDate != nil && t.EndDate != nil && t.EndDate.Before(*t.StartDate) {
		return errors.New("task end date precedes start date")
	}
	return nil
}

// List groups tasks. GroupID and TaskIDs are soft references.
type List struct {
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name"`
	GroupID string   `json:"groupId,omitempty"`
	TaskIDs []string `json:"taskIds,omitempty"`
}

func (l List) EntityID() string { return l.ID }

func (l List) WithID(id string) List {
	l.ID = id
	return l
}

func (List) Kind() Kind { return KindList }

func (l List) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return errors.New("list name is required")
	}
	return nil
}

// Group collects lists. Lists holds soft references to list ids.
type Group struct {
	ID    string   `json:"id,omitempty"`
	Name  string   `json:"name"`
	Lists []string `json:"lists,omitempty"`
}

func (g Group) EntityID() string { return g.ID }

func (g Group) WithID(id string) Group {
	g.ID = id
	return g
}

func (Group) Kind() Kind { return KindGroup }

func (g Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return errors.New("group name is required")
	}
	return nil
}
