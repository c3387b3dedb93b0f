// Package docsync keeps a local mirror of files open in the remote editor
// consistent with the bridge's view of them, without echo loops.
//
// The sole loop-prevention signal is the locally-modified set: a path is in
// it exactly when the most recent change to its content originated locally
// and has not yet been confirmed saved. While a path is in the set, remote
// document.changed events for it are dropped; a document.saved event always
// wins and releases the gate.
package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/nvollmar/codelink/pkg/bus"
	"github.com/nvollmar/codelink/pkg/client"
	apperrors "github.com/nvollmar/codelink/pkg/errors"
	"github.com/nvollmar/codelink/pkg/logging"
	"github.com/nvollmar/codelink/pkg/protocol"
)

// Requester sends correlated requests to the bridge. *client.Client
// satisfies it.
type Requester interface {
	SendRequest(ctx context.Context, msg protocol.Correlated) (*protocol.Response, error)
}

// OpenFile is one file mirrored between local and remote.
type OpenFile struct {
	Path       string
	Content    string
	LanguageID string
	IsModified bool
	LastSync   time.Time
}

// Engine reconciles local edits with remote document events.
type Engine struct {
	requester Requester
	log       *logging.Logger

	mu              sync.RWMutex
	files           map[string]*OpenFile
	locallyModified map[string]struct{}
	activePath      string

	sub bus.Subscription
}

// NewEngine creates the engine and subscribes it to document events on b.
func NewEngine(requester Requester, b bus.Broadcaster, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Engine{
		requester:       requester,
		log:             logger,
		files:           make(map[string]*OpenFile),
		locallyModified: make(map[string]struct{}),
	}

	sub, err := b.Subscribe(client.SubjectMessage("document.*"), e.handleEvent)
	if err != nil {
		return nil, err
	}
	e.sub = sub
	return e, nil
}

// Close stops event handling. Open-file state stays readable.
func (e *Engine) Close() {
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
	}
}

// Open opens path in the remote editor, reads its content, and creates the
// local mirror entry as the active file.
func (e *Engine) Open(ctx context.Context, path string) (*OpenFile, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "path is required")
	}

	if _, err := e.requester.SendRequest(ctx, protocol.OpenFile{
		RequestID: protocol.NewRequestID(),
		Path:      path,
	}); err != nil {
		e.log.Error(logging.CategoryDocument, "open_failed", err.Error(), map[string]any{"path": path})
		return nil, err
	}

	resp, err := e.requester.SendRequest(ctx, protocol.ReadFile{
		RequestID: protocol.NewRequestID(),
		Path:      path,
	})
	if err != nil {
		e.log.Error(logging.CategoryDocument, "read_failed", err.Error(), map[string]any{"path": path})
		return nil, err
	}
	content, _ := resp.Payload["content"].(string)

	e.mu.Lock()
	defer e.mu.Unlock()
	file := &OpenFile{
		Path:       path,
		Content:    content,
		LanguageID: ClassifyLanguage(path),
		LastSync:   time.Now(),
	}
	e.files[path] = file
	delete(e.locallyModified, path)
	e.activePath = path

	e.log.Info(logging.CategoryDocument, "opened", "", map[string]any{
		"path":     path,
		"language": file.LanguageID,
	})
	snapshot := *file
	return &snapshot, nil
}

// UpdateContent records a local edit. It does not contact the bridge; the
// caller drives saving explicitly (or debounced upstream).
func (e *Engine) UpdateContent(path, newContent string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, ok := e.files[path]
	if !ok {
		file = &OpenFile{Path: path, LanguageID: ClassifyLanguage(path)}
		e.files[path] = file
	}
	file.Content = newContent
	file.IsModified = true
	e.locallyModified[path] = struct{}{}
}

// Save writes the current content to the bridge. On success the file is
// marked synced and leaves the locally-modified set; on failure state is
// left untouched so the save can be retried.
func (e *Engine) Save(ctx context.Context, path string) error {
	e.mu.RLock()
	file, ok := e.files[path]
	var content string
	if ok {
		content = file.Content
	}
	e.mu.RUnlock()
	if !ok {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "file is not open").
			WithContext("path", path)
	}

	if _, err := e.requester.SendRequest(ctx, protocol.WriteFile{
		RequestID: protocol.NewRequestID(),
		Path:      path,
		Content:   content,
	}); err != nil {
		e.log.Error(logging.CategoryDocument, "save_failed", err.Error(), map[string]any{"path": path})
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if file, ok := e.files[path]; ok {
		file.IsModified = false
		file.LastSync = time.Now()
	}
	delete(e.locallyModified, path)
	e.log.Info(logging.CategoryDocument, "saved", "", map[string]any{"path": path})
	return nil
}

// CloseFile drops the local mirror entry.
func (e *Engine) CloseFile(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.files, path)
	delete(e.locallyModified, path)
	if e.activePath == path {
		e.activePath = ""
	}
}

// File returns a snapshot of one open file.
func (e *Engine) File(path string) (OpenFile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	file, ok := e.files[path]
	if !ok {
		return OpenFile{}, false
	}
	return *file, true
}

// Files returns a snapshot of all open files keyed by path.
func (e *Engine) Files() map[string]OpenFile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]OpenFile, len(e.files))
	for path, file := range e.files {
		out[path] = *file
	}
	return out
}

// ActivePath returns the active file's path, empty when none.
func (e *Engine) ActivePath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activePath
}

// IsLocallyModified reports whether path holds an unsynced local edit.
func (e *Engine) IsLocallyModified(path string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.locallyModified[path]
	return ok
}

func (e *Engine) handleEvent(msg *bus.Envelope) {
	switch event := msg.Data.(type) {
	case protocol.DocumentOpened:
		e.onOpened(event)
	case protocol.DocumentChanged:
		e.onChanged(event)
	case protocol.DocumentSaved:
		e.onSaved(event)
	case protocol.DocumentClosed:
		e.onClosed(event)
	}
}

// onOpened applies the remote snapshot unless it would clobber an unsynced
// local edit.
func (e *Engine) onOpened(event protocol.DocumentOpened) {
	path := event.FileName

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, modified := e.locallyModified[path]; modified {
		if _, exists := e.files[path]; exists {
			e.log.Debug(logging.CategoryDocument, "remote_open_suppressed", "local edit pending", map[string]any{
				"path": path,
			})
			return
		}
	}

	language := event.LanguageID
	if language == "" {
		language = ClassifyLanguage(path)
	}
	e.files[path] = &OpenFile{
		Path:       path,
		Content:    event.Content,
		LanguageID: language,
		LastSync:   time.Now(),
	}
}

// onChanged applies a remote change unless the path has a pending local
// edit. While the save round-trip is outstanding the local content is the
// source of truth, so remote echoes of that edit (and, as an accepted
// trade-off, unrelated external edits racing with it) are dropped, not
// queued.
func (e *Engine) onChanged(event protocol.DocumentChanged) {
	path := event.FileName

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, modified := e.locallyModified[path]; modified {
		e.log.Debug(logging.CategoryDocument, "remote_change_suppressed", "local edit pending", map[string]any{
			"path": path,
		})
		return
	}
	if event.ContentAfterChange == nil {
		// Incremental change lists without a snapshot carry nothing we can
		// apply to the mirror.
		return
	}

	file, ok := e.files[path]
	if !ok {
		file = &OpenFile{Path: path, LanguageID: ClassifyLanguage(path)}
		e.files[path] = file
	}
	file.Content = *event.ContentAfterChange
	file.IsModified = false
	file.LastSync = time.Now()
}

// onSaved is the only remote event that unconditionally wins: it releases
// the suppression gate for the path.
func (e *Engine) onSaved(event protocol.DocumentSaved) {
	path := event.FileName

	e.mu.Lock()
	defer e.mu.Unlock()

	if file, ok := e.files[path]; ok {
		file.Content = event.Content
		file.IsModified = false
		file.LastSync = time.Now()
	}
	delete(e.locallyModified, path)
}

// onClosed removes the entry regardless of modified state; a
// remote-initiated close always wins.
func (e *Engine) onClosed(event protocol.DocumentClosed) {
	path := event.FileName

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.files, path)
	delete(e.locallyModified, path)
	if e.activePath == path {
		e.activePath = ""
	}
}
