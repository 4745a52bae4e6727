package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"
)

// Store exposes course retrieval for the realtime and HTTP handlers.
type Store interface {
	List(ctx context.Context) ([]Summary, error)
	Get(ctx context.Context, id string) (*Course, error)
	Lesson(ctx context.Context, courseID string, moduleIndex, subTopicIndex int) (Lesson, error)
}

// MemoryStore implements Store over a fixed set of courses.
type MemoryStore struct {
	items map[string]*Course
}

// NewMemoryStore returns a MemoryStore holding the supplied courses by id.
func NewMemoryStore(items map[string]*Course) *MemoryStore {
	copied := make(map[string]*Course, len(items))
	for id, c := range items {
		copied[id] = c
	}
	return &MemoryStore{items: copied}
}

func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	out := make([]Summary, 0, len(s.items))
	for id, c := range s.items {
		out = append(out, c.Summary(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Course, error) {
	if id == "" {
		id = DefaultCourseID
	}
	c, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCourseNotFound, id)
	}
	return c, nil
}

func (s *MemoryStore) Lesson(ctx context.Context, courseID string, moduleIndex, subTopicIndex int) (Lesson, error) {
	c, err := s.Get(ctx, courseID)
	if err != nil {
		return Lesson{}, err
	}
	return c.Lesson(courseID, moduleIndex, subTopicIndex)
}

// FileStore serves the single generated course stored as JSON at a path.
// The file is re-read when its modification time changes.
type FileStore struct {
	path string

	mu      sync.Mutex
	cached  *Course
	modTime time.Time
}

// NewFileStore creates a store over path. The file may not exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	c, err := s.load(ctx)
	if errors.Is(err, ErrCourseNotFound) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []Summary{c.Summary(DefaultCourseID)}, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*Course, error) {
	if id != "" && id != DefaultCourseID {
		return nil, fmt.Errorf("%w: %s", ErrCourseNotFound, id)
	}
	return s.load(ctx)
}

func (s *FileStore) Lesson(ctx context.Context, courseID string, moduleIndex, subTopicIndex int) (Lesson, error) {
	// the generator writes one course; any id selects it
	c, err := s.load(ctx)
	if err != nil {
		return Lesson{}, err
	}
	if courseID == "" {
		courseID = DefaultCourseID
	}
	return c.Lesson(courseID, moduleIndex, subTopicIndex)
}

type loadResult struct {
	course *Course
	err    error
}

// load reads the course file off the calling goroutine so ctx bounds the wait.
func (s *FileStore) load(ctx context.Context) (*Course, error) {
	done := make(chan loadResult, 1)
	go func() {
		c, err := s.read()
		done <- loadResult{course: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("course content loading: %w", ctx.Err())
	case res := <-done:
		return res.course, res.err
	}
}

func (s *FileStore) read() (*Course, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat course file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && info.ModTime().Equal(s.modTime) {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read course file: %w", err)
	}
	var c Course
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse course file %s: %w", s.path, err)
	}

	s.cached = &c
	s.modTime = info.ModTime()
	return s.cached, nil
}
