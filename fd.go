package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// FDConfig controls the file-descriptor paging layer. Zero values fall back
// to defaults. All sizes count characters (runes), not bytes.
type FDConfig struct {
	PageSize             int  // characters per page (default 4000)
	MaxDirectOutputChars int  // tool output above this is paged (default 8000)
	MaxInputChars        int  // user input above this is paged (default 8000)
	PageUserInput        bool // page oversized user input
	EnableReferences     bool // extract <ref id="..."> blocks into ref descriptors
}

const (
	defaultPageSize             = 4000
	defaultMaxDirectOutputChars = 8000
	defaultMaxInputChars        = 8000
)

func (c FDConfig) withDefaults() FDConfig {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxDirectOutputChars <= 0 {
		c.MaxDirectOutputChars = defaultMaxDirectOutputChars
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = defaultMaxInputChars
	}
	return c
}

// FileDescriptor is one stored blob of oversized content, addressable by a
// stable id and readable page by page.
type FileDescriptor struct {
	ID         string
	Content    string
	TotalChars int
	TotalPages int
	PageSize   int
	SourceTool string
}

// ErrUnknownFD is returned when a descriptor id does not exist.
type ErrUnknownFD struct {
	ID string
}

func (e *ErrUnknownFD) Error() string {
	return fmt.Sprintf("unknown file descriptor %q", e.ID)
}

// ErrPageRange is returned for a page number outside [1, TotalPages].
type ErrPageRange struct {
	ID         string
	Page       int
	TotalPages int
}

func (e *ErrPageRange) Error() string {
	if e.TotalPages == 0 {
		return fmt.Sprintf("fd %s is empty, it has no pages", e.ID)
	}
	return fmt.Sprintf("page %d out of range [1, %d] for fd %s", e.Page, e.TotalPages, e.ID)
}

var refBlockPattern = regexp.MustCompile(`(?s)<ref id="([A-Za-z0-9_.-]+)">(.*?)</ref>`)

// FileDescriptorManager stores oversized content behind fd:<n> handles and
// serves fixed-size character pages of it. Ids are monotonic from fd:1 and
// never reused within one manager. Safe for concurrent use.
type FileDescriptorManager struct {
	mu     sync.Mutex
	cfg    FDConfig
	fds    map[string]FileDescriptor
	nextID int
	logger *slog.Logger
}

// NewFileDescriptorManager creates a manager with the given config.
func NewFileDescriptorManager(cfg FDConfig, logger *slog.Logger) *FileDescriptorManager {
	if logger == nil {
		logger = nopLogger
	}
	return &FileDescriptorManager{
		cfg:    cfg.withDefaults(),
		fds:    make(map[string]FileDescriptor),
		nextID: 1,
		logger: logger,
	}
}

// Config returns the effective configuration.
func (m *FileDescriptorManager) Config() FDConfig {
	return m.cfg
}

// CreateFD stores content under a fresh fd:<n> id and returns the reference
// string to place in the transcript. sourceTool may be empty for content
// that did not come from a tool. When references are enabled, <ref id="X">
// blocks inside the content additionally become ref:X descriptors sliced
// from the stored original.
func (m *FileDescriptorManager) CreateFD(content, sourceTool string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	fd := m.createLocked(content, sourceTool)
	if m.cfg.EnableReferences {
		m.extractRefsLocked(content)
	}
	return formatFDRef(fd)
}

func (m *FileDescriptorManager) createLocked(content, sourceTool string) FileDescriptor {
	id := "fd:" + strconv.Itoa(m.nextID)
	m.nextID++
	chars := len([]rune(content))
	fd := FileDescriptor{
		ID:         id,
		Content:    content,
		TotalChars: chars,
		TotalPages: pageCount(chars, m.cfg.PageSize),
		PageSize:   m.cfg.PageSize,
		SourceTool: sourceTool,
	}
	m.fds[id] = fd
	m.logger.Debug("fd created", "id", id, "chars", chars, "pages", fd.TotalPages, "source", sourceTool)
	return fd
}

// extractRefsLocked registers a ref:X descriptor for each <ref id="X"> block.
// An existing ref with the same id is left in place; first definition wins.
func (m *FileDescriptorManager) extractRefsLocked(content string) {
	for _, match := range refBlockPattern.FindAllStringSubmatch(content, -1) {
		id := "ref:" + match[1]
		if _, exists := m.fds[id]; exists {
			m.logger.Warn("duplicate ref id, keeping first", "id", id)
			continue
		}
		inner := match[2]
		chars := len([]rune(inner))
		m.fds[id] = FileDescriptor{
			ID:         id,
			Content:    inner,
			TotalChars: chars,
			TotalPages: pageCount(chars, m.cfg.PageSize),
			PageSize:   m.cfg.PageSize,
		}
		m.logger.Debug("ref extracted", "id", id, "chars", chars)
	}
}

// WrapToolResult pages tool output that exceeds MaxDirectOutputChars.
// Returns the replacement result and true when paging happened; otherwise
// the zero result and false, and the caller keeps the original.
func (m *FileDescriptorManager) WrapToolResult(content, sourceTool string) (ToolResult, bool) {
	if len([]rune(content)) <= m.cfg.MaxDirectOutputChars {
		return ToolResult{}, false
	}
	return TextResult(m.CreateFD(content, sourceTool)), true
}

// HandleUserInput pages oversized user input when PageUserInput is set.
// Input at or under MaxInputChars always passes through unchanged.
func (m *FileDescriptorManager) HandleUserInput(input string) string {
	if !m.cfg.PageUserInput || len([]rune(input)) <= m.cfg.MaxInputChars {
		return input
	}
	return m.CreateFD(input, "")
}

// Get returns the descriptor for id.
func (m *FileDescriptorManager) Get(id string) (FileDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fd, ok := m.fds[id]
	return fd, ok
}

// ReadPage returns the 1-indexed page of a descriptor. Every page except
// possibly the last is exactly PageSize characters.
func (m *FileDescriptorManager) ReadPage(id string, page int) (string, error) {
	m.mu.Lock()
	fd, ok := m.fds[id]
	m.mu.Unlock()
	if !ok {
		return "", &ErrUnknownFD{ID: id}
	}
	if page < 1 || page > fd.TotalPages {
		return "", &ErrPageRange{ID: id, Page: page, TotalPages: fd.TotalPages}
	}
	runes := []rune(fd.Content)
	start := (page - 1) * fd.PageSize
	end := start + fd.PageSize
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end]), nil
}

// ShareFD copies a single descriptor by value into another manager, the only
// sanctioned way for content to cross a fork boundary. The destination must
// not already hold the id.
func (m *FileDescriptorManager) ShareFD(id string, dst *FileDescriptorManager) error {
	m.mu.Lock()
	fd, ok := m.fds[id]
	m.mu.Unlock()
	if !ok {
		return &ErrUnknownFD{ID: id}
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if _, exists := dst.fds[id]; exists {
		return fmt.Errorf("fd %s already exists in destination", id)
	}
	dst.fds[id] = fd
	// keep the destination's counter ahead of any shared numeric id
	if n, err := strconv.Atoi(strings.TrimPrefix(id, "fd:")); err == nil && n >= dst.nextID {
		dst.nextID = n + 1
	}
	return nil
}

// Fork returns a fresh, empty manager with the same configuration. Forked
// children never see the parent's descriptors unless shared explicitly.
func (m *FileDescriptorManager) Fork() *FileDescriptorManager {
	return NewFileDescriptorManager(m.cfg, m.logger)
}

// Len reports the number of stored descriptors.
func (m *FileDescriptorManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fds)
}

func pageCount(chars, pageSize int) int {
	if chars == 0 {
		return 0
	}
	return (chars + pageSize - 1) / pageSize
}

func formatFDRef(fd FileDescriptor) string {
	return fmt.Sprintf(`<fd id=%q pages="%d" chars="%d" source=%q>output stored, call read_fd with fd_id and a page in [1, %d]</fd>`,
		fd.ID, fd.TotalPages, fd.TotalChars, fd.SourceTool, fd.TotalPages)
}

var fdRefPattern = regexp.MustCompile(`<fd id="((?:fd|ref):[^"]+)" pages="(\d+)" chars="(\d+)"`)

// ParseFDRef extracts the id, page count, and char count from a reference
// string produced by CreateFD. ok is false when s is not a reference.
func ParseFDRef(s string) (id string, pages, chars int, ok bool) {
	match := fdRefPattern.FindStringSubmatch(s)
	if match == nil {
		return "", 0, 0, false
	}
	pages, _ = strconv.Atoi(match[2])
	chars, _ = strconv.Atoi(match[3])
	return match[1], pages, chars, true
}

var readFDSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"fd_id": {"type": "string", "description": "descriptor id, e.g. fd:1 or ref:summary"},
		"page": {"type": "integer", "minimum": 1, "description": "1-indexed page number"}
	},
	"required": ["fd_id", "page"]
}`)

// FDPlugin contributes the read_fd tool so the model can page through stored
// descriptors. The descriptor table itself lives on the process; paging of
// oversized tool output and user input is wired into the pipeline directly.
type FDPlugin struct{}

// NewFDPlugin creates the paging plugin.
func NewFDPlugin() *FDPlugin {
	return &FDPlugin{}
}

// ProvideTools implements ToolProvider.
func (p *FDPlugin) ProvideTools() []*Tool {
	return []*Tool{MustTool(ToolMeta{
		Name:            "read_fd",
		Description:     "Read one page of a stored file descriptor. Page numbers are 1-indexed.",
		Access:          AccessRead,
		RequiresContext: true,
	}, readFDSchema, readFD)}
}

// ForkPlugin implements PluginForker. The plugin is stateless; the child's
// process carries its own descriptor table.
func (p *FDPlugin) ForkPlugin() any {
	return NewFDPlugin()
}

func readFD(ctx context.Context, args map[string]any) (any, error) {
	rt, ok := RuntimeFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no runtime context")
	}
	id, _ := args["fd_id"].(string)
	page := intArg(args["page"])
	content, err := rt.Process.FDs().ReadPage(id, page)
	if err != nil {
		return nil, err
	}
	return content, nil
}

// intArg tolerates the numeric types JSON decoding may produce.
func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
