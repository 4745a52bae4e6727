package course

import (
	"errors"
	"fmt"
)

// DefaultCourseID names the course produced by the course generator.
const DefaultCourseID = "1"

var (
	ErrCourseNotFound     = errors.New("course content not found")
	ErrModuleOutOfRange   = errors.New("module index out of range")
	ErrSubTopicOutOfRange = errors.New("sub-topic index out of range")
)

// SubTopic is one teachable unit within a module.
type SubTopic struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

// Module is one week of the curriculum.
type Module struct {
	Week      int        `json:"week"`
	Title     string     `json:"title"`
	SubTopics []SubTopic `json:"sub_topics"`
}

// Course is the generated curriculum as stored on disk.
type Course struct {
	Title   string   `json:"course_title"`
	Modules []Module `json:"modules"`
}

// Summary is the listing entry for a course.
type Summary struct {
	ID      string `json:"course_id"`
	Title   string `json:"course_title"`
	Modules int    `json:"modules_count"`
}

// Lesson is the material for one sub-topic.
type Lesson struct {
	CourseID      string
	ModuleIndex   int
	SubTopicIndex int
	ModuleTitle   string
	SubTopicTitle string
	Content       string
}

// RangeError reports an index outside the course structure. It matches
// ErrModuleOutOfRange or ErrSubTopicOutOfRange with errors.Is.
type RangeError struct {
	Kind      string // "Module" or "Sub-topic"
	Index     int
	Available int
}

func (e *RangeError) Error() string {
	if e.Available == 0 {
		return fmt.Sprintf("%s %d not found (none available)", e.Kind, e.Index)
	}
	return fmt.Sprintf("%s %d not found (available: 0-%d)", e.Kind, e.Index, e.Available-1)
}

func (e *RangeError) Is(target error) bool {
	switch target {
	case ErrModuleOutOfRange:
		return e.Kind == "Module"
	case ErrSubTopicOutOfRange:
		return e.Kind == "Sub-topic"
	}
	return false
}

// Lesson selects one sub-topic by position.
func (c *Course) Lesson(courseID string, moduleIndex, subTopicIndex int) (Lesson, error) {
	if moduleIndex < 0 || moduleIndex >= len(c.Modules) {
		return Lesson{}, &RangeError{Kind: "Module", Index: moduleIndex, Available: len(c.Modules)}
	}
	module := c.Modules[moduleIndex]

	if subTopicIndex < 0 || subTopicIndex >= len(module.SubTopics) {
		return Lesson{}, &RangeError{Kind: "Sub-topic", Index: subTopicIndex, Available: len(module.SubTopics)}
	}
	topic := module.SubTopics[subTopicIndex]

	return Lesson{
		CourseID:      courseID,
		ModuleIndex:   moduleIndex,
		SubTopicIndex: subTopicIndex,
		ModuleTitle:   module.Title,
		SubTopicTitle: topic.Title,
		Content:       topic.Content,
	}, nil
}

// Summary describes c under id.
func (c *Course) Summary(id string) Summary {
	title := c.Title
	if title == "" {
		title = "Generated Course"
	}
	return Summary{ID: id, Title: title, Modules: len(c.Modules)}
}
