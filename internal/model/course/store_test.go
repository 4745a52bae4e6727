package course

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleCourse = `{
  "course_title": "Neuroscience 101",
  "modules": [
    {"week": 1, "title": "Cells", "sub_topics": [
      {"title": "Neurons", "content": "Neurons carry signals."},
      {"title": "Glia"}
    ]},
    {"week": 2, "title": "Signals", "sub_topics": []}
  ]
}`

func writeCourse(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "course_output.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write course: %v", err)
	}
	return path
}

func TestFileStoreLesson(t *testing.T) {
	store := NewFileStore(writeCourse(t, sampleCourse))

	lesson, err := store.Lesson(context.Background(), "1", 0, 0)
	if err != nil {
		t.Fatalf("Lesson err: %v", err)
	}
	if lesson.ModuleTitle != "Cells" || lesson.SubTopicTitle != "Neurons" || lesson.Content != "Neurons carry signals." {
		t.Fatalf("unexpected lesson: %+v", lesson)
	}
}

func TestFileStoreRangeErrors(t *testing.T) {
	store := NewFileStore(writeCourse(t, sampleCourse))

	cases := []struct {
		module, topic int
		sentinel      error
		message       string
	}{
		{module: 5, topic: 0, sentinel: ErrModuleOutOfRange, message: "Module 5 not found (available: 0-1)"},
		{module: 0, topic: 2, sentinel: ErrSubTopicOutOfRange, message: "Sub-topic 2 not found (available: 0-1)"},
		{module: 1, topic: 0, sentinel: ErrSubTopicOutOfRange, message: "Sub-topic 0 not found (none available)"},
		{module: -1, topic: 0, sentinel: ErrModuleOutOfRange, message: "Module -1 not found (available: 0-1)"},
	}

	for _, tc := range cases {
		_, err := store.Lesson(context.Background(), "1", tc.module, tc.topic)
		if !errors.Is(err, tc.sentinel) {
			t.Fatalf("Lesson(%d,%d) err = %v, want %v", tc.module, tc.topic, err, tc.sentinel)
		}
		if err.Error() != tc.message {
			t.Fatalf("Lesson(%d,%d) message = %q, want %q", tc.module, tc.topic, err.Error(), tc.message)
		}
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))

	if _, err := store.Lesson(context.Background(), "1", 0, 0); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
	list, err := store.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %v, %v", list, err)
	}
}

func TestFileStoreReloadsChangedFile(t *testing.T) {
	path := writeCourse(t, sampleCourse)
	store := NewFileStore(path)

	c, err := store.Get(context.Background(), "1")
	if err != nil || c.Title != "Neuroscience 101" {
		t.Fatalf("Get = %+v, %v", c, err)
	}

	if err := os.WriteFile(path, []byte(`{"course_title":"Revised","modules":[]}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List err: %v", err)
	}
	if len(list) != 1 || list[0].Title != "Revised" || list[0].ID != DefaultCourseID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestFileStoreRejectsUnknownIDAndBadJSON(t *testing.T) {
	store := NewFileStore(writeCourse(t, sampleCourse))
	if _, err := store.Get(context.Background(), "42"); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}

	broken := NewFileStore(writeCourse(t, `{"modules": [`))
	if _, err := broken.Get(context.Background(), ""); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFileStoreHonoursContext(t *testing.T) {
	store := NewFileStore(writeCourse(t, sampleCourse))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// either the read wins the race or the cancellation is reported
	if _, err := store.Get(ctx, "1"); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(map[string]*Course{
		"b": {Title: "B"},
		"a": {Title: "A", Modules: []Module{{Title: "M", SubTopics: []SubTopic{{Title: "T"}}}}},
	})

	list, _ := store.List(context.Background())
	if len(list) != 2 || list[0].ID != "a" {
		t.Fatalf("unexpected list order: %+v", list)
	}
	lesson, err := store.Lesson(context.Background(), "a", 0, 0)
	if err != nil || lesson.SubTopicTitle != "T" {
		t.Fatalf("Lesson = %+v, %v", lesson, err)
	}
	if _, err := store.Get(context.Background(), "zzz"); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
}
