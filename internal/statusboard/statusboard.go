// Package statusboard keeps the public service-status page: incidents with
// their timeline of updates, persisted as one JSON file.
package statusboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusInvestigating Status = "investigating"
	StatusIdentified    Status = "identified"
	StatusMonitoring    Status = "monitoring"
	StatusResolved      Status = "resolved"
)

func (s Status) valid() bool {
	switch s {
	case StatusInvestigating, StatusIdentified, StatusMonitoring, StatusResolved:
		return true
	}
	return false
}

var (
	ErrNotFound      = errors.New("incident not found")
	ErrResolved      = errors.New("incident already resolved")
	ErrInvalidStatus = errors.New("invalid status")
	ErrEmptyMessage  = errors.New("message is required")
)

type Update struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Incident struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Updates    []Update   `json:"updates"`
}

// TimelineEntry is one update with the incident it belongs to.
type TimelineEntry struct {
	IncidentID string `json:"incident_id"`
	Title      string `json:"title"`
	Update
}

type Board struct {
	path string
	now  func() time.Time

	mu        sync.RWMutex
	incidents []*Incident
}

// Open loads the board from path. A missing file is an empty board.
func Open(path string) (*Board, error) {
	b := &Board{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}
	if err := json.Unmarshal(data, &b.incidents); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return b, nil
}

// save writes the board atomically. Callers hold b.mu.
func (b *Board) save() error {
	data, err := json.MarshalIndent(b.incidents, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status board: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func clone(in *Incident) Incident {
	out := *in
	out.Updates = append([]Update(nil), in.Updates...)
	return out
}

// List returns incidents newest first. Resolved ones are included only when
// includeResolved is set.
func (b *Board) List(includeResolved bool) []Incident {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Incident, 0, len(b.incidents))
	for _, in := range b.incidents {
		if in.Status == StatusResolved && !includeResolved {
			continue
		}
		out = append(out, clone(in))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (b *Board) Get(id string) (Incident, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	in := b.find(id)
	if in == nil {
		return Incident{}, ErrNotFound
	}
	return clone(in), nil
}

func (b *Board) find(id string) *Incident {
	for _, in := range b.incidents {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// Create opens an incident with its first update.
func (b *Board) Create(title string, status Status, message string) (Incident, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Incident{}, errors.New("title is required")
	}
	if status == "" {
		status = StatusInvestigating
	}
	if !status.valid() || status == StatusResolved {
		return Incident{}, ErrInvalidStatus
	}
	if strings.TrimSpace(message) == "" {
		return Incident{}, ErrEmptyMessage
	}

	now := b.now().UTC()
	in := &Incident{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
		Updates:   []Update{{ID: uuid.NewString(), Status: status, Message: message, CreatedAt: now}},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.incidents = append(b.incidents, in)
	if err := b.save(); err != nil {
		b.incidents = b.incidents[:len(b.incidents)-1]
		return Incident{}, err
	}
	return clone(in), nil
}

// AddUpdate appends an update and moves the incident to its status.
func (b *Board) AddUpdate(id string, status Status, message string) (Incident, error) {
	if !status.valid() {
		return Incident{}, ErrInvalidStatus
	}
	if strings.TrimSpace(message) == "" {
		return Incident{}, ErrEmptyMessage
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	in := b.find(id)
	if in == nil {
		return Incident{}, ErrNotFound
	}
	if in.Status == StatusResolved {
		return Incident{}, ErrResolved
	}

	prev := clone(in)
	now := b.now().UTC()
	in.Updates = append(in.Updates, Update{ID: uuid.NewString(), Status: status, Message: message, CreatedAt: now})
	in.Status = status
	in.UpdatedAt = now
	if status == StatusResolved {
		in.ResolvedAt = &now
	}
	if err := b.save(); err != nil {
		*in = prev
		return Incident{}, err
	}
	return clone(in), nil
}

// Resolve closes the incident with a final update.
func (b *Board) Resolve(id, message string) (Incident, error) {
	if strings.TrimSpace(message) == "" {
		message = "This incident has been resolved."
	}
	return b.AddUpdate(id, StatusResolved, message)
}

func (b *Board) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, in := range b.incidents {
		if in.ID != id {
			continue
		}
		prev := b.incidents
		b.incidents = append(append(make([]*Incident, 0, len(prev)-1), prev[:i]...), prev[i+1:]...)
		if err := b.save(); err != nil {
			b.incidents = prev
			return err
		}
		return nil
	}
	return ErrNotFound
}

// Timeline returns the most recent updates across all incidents, newest
// first. limit <= 0 means all.
func (b *Board) Timeline(limit int) []TimelineEntry {
	b.mu.RLock()
	var out []TimelineEntry
	for _, in := range b.incidents {
		for _, u := range in.Updates {
			out = append(out, TimelineEntry{IncidentID: in.ID, Title: in.Title, Update: u})
		}
	}
	b.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Operational reports whether no incident is open.
func (b *Board) Operational() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, in := range b.incidents {
		if in.Status != StatusResolved {
			return false
		}
	}
	return true
}
