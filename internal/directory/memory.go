package directory

import (
	"context"
	"sort"
	"sync"

	"rollcall/internal/method"
)

// Memory is an in-process directory for tests and dev runs. All methods are
// active unless SetMethodActive says otherwise.
type Memory struct {
	mu       sync.Mutex
	students map[string]Student
	classes  map[string]Class
	configs  map[string][]method.ClassConfig
	inactive map[method.Method]bool
}

// NewMemory builds an empty directory.
func NewMemory() *Memory {
	return &Memory{
		students: make(map[string]Student),
		classes:  make(map[string]Class),
		configs:  make(map[string][]method.ClassConfig),
		inactive: make(map[method.Method]bool),
	}
}

// AddStudent registers a student.
func (m *Memory) AddStudent(s Student) {
	m.mu.Lock()
	m.students[s.ID] = s
	m.mu.Unlock()
}

// AddClass registers a class.
func (m *Memory) AddClass(c Class) {
	m.mu.Lock()
	m.classes[c.ID] = c
	m.mu.Unlock()
}

// SetMethodConfig adds or replaces the (class, method) config row.
func (m *Memory) SetMethodConfig(cfg method.ClassConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.configs[cfg.ClassID]
	for i, row := range rows {
		if row.Method == cfg.Method {
			rows[i] = cfg
			m.configs[cfg.ClassID] = rows
			return
		}
	}
	m.configs[cfg.ClassID] = append(rows, cfg)
}

// SetMethodActive toggles a method deployment-wide.
func (m *Memory) SetMethodActive(mt method.Method, active bool) {
	m.mu.Lock()
	m.inactive[mt] = !active
	m.mu.Unlock()
}

// Get returns one student.
func (m *Memory) Get(ctx context.Context, id string) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return Student{}, ErrStudentNotFound
	}
	return s, nil
}

// List returns every student, ordered by id.
func (m *Memory) List(ctx context.Context) ([]Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Student, 0, len(m.students))
	for _, s := range m.students {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetReferenceImage records the student's enrolled face image URL.
func (m *Memory) SetReferenceImage(ctx context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return ErrStudentNotFound
	}
	s.RefImageURL = url
	s.FaceEnrolled = url != ""
	m.students[id] = s
	return nil
}

// Classes view of the same Memory; returned so one fake serves both
// interfaces in tests.
func (m *Memory) Classes() *MemoryClasses { return &MemoryClasses{m} }

// MemoryClasses adapts Memory to the Classes interface.
type MemoryClasses struct {
	m *Memory
}

// Get returns one class.
func (c *MemoryClasses) Get(ctx context.Context, id string) (Class, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	cl, ok := c.m.classes[id]
	if !ok {
		return Class{}, ErrClassNotFound
	}
	return cl, nil
}

// MethodConfigs returns the class's configured methods.
func (c *MemoryClasses) MethodConfigs(ctx context.Context, classID string) ([]method.ClassConfig, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	rows := c.m.configs[classID]
	out := make([]method.ClassConfig, len(rows))
	copy(out, rows)
	return out, nil
}

// ActiveMethods reports the deployment-wide method switches.
func (c *MemoryClasses) ActiveMethods(ctx context.Context) (map[method.Method]bool, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	out := make(map[method.Method]bool, len(method.All()))
	for _, mt := range method.All() {
		out[mt] = !c.m.inactive[mt]
	}
	return out, nil
}
