// Package protocol defines the typed wire messages exchanged with the editor
// bridge and the codec that translates them to and from JSON text frames.
//
// Every frame is a single JSON object with the envelope shape
// {type, requestId?, payload?}; response frames additionally carry
// success and error at the top level. Unknown type tags decode to the
// Unknown variant so newer bridge versions never break the stream.
package protocol

import "github.com/google/uuid"

// Wire type tags, verbatim as they appear on the wire.
const (
	TypeAuth                 = "auth"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeResponse             = "response"
	TypeReadFile             = "readFile"
	TypeWriteFile            = "writeFile"
	TypeOpenFile             = "openFile"
	TypeSaveFile             = "saveFile"
	TypeDeleteFile           = "deleteFile"
	TypeCreateDirectory      = "createDirectory"
	TypeRunShellCommand      = "runShellCommand"
	TypeRequestWorkspaceTree = "requestWorkspaceTree"
	TypeExecuteCommand       = "executeCommand"
	TypeDocumentOpened       = "document.opened"
	TypeDocumentChanged      = "document.changed"
	TypeDocumentSaved        = "document.saved"
	TypeDocumentClosed       = "document.closed"
	TypeWorkspaceChanged     = "workspace.changed"
	TypeWorkspaceTree        = "workspace.tree"
	TypeTerminalOutput       = "terminal.output"
	TypeTerminalCompleted    = "terminal.completed"
)

// Message is the closed set of wire messages. Concrete variants are the
// structs in this package; anything else on the wire becomes Unknown.
type Message interface {
	// Type returns the wire type tag.
	Type() string
}

// Correlated is implemented by messages carrying a correlation identifier,
// i.e. requests expecting a reply and the replies themselves.
type Correlated interface {
	Message
	CorrelationID() string
}

// NewRequestID returns a fresh correlation identifier. UUIDv4 carries 122
// random bits, which makes collisions between in-flight requests negligible.
func NewRequestID() string {
	return uuid.NewString()
}

// File tree node kinds.
const (
	NodeKindFile      = "file"
	NodeKindDirectory = "directory"
)

// FileTreeNode is one node of a workspace tree snapshot. Snapshots are
// replaced wholesale, never patched, so nodes are treated as immutable.
type FileTreeNode struct {
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	Kind     string         `json:"kind"`
	Children []FileTreeNode `json:"children,omitempty"`
}

// Position is a zero-based line/character location in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// ContentChange is one incremental edit reported by document.changed.
type ContentChange struct {
	Text        string `json:"text"`
	RangeLength int    `json:"rangeLength,omitempty"`
	Range       *Range `json:"range,omitempty"`
}

// Client → bridge requests.

// Auth carries the shared secret for the authentication handshake.
type Auth struct {
	RequestID string
	Token     string
}

func (Auth) Type() string { return TypeAuth }
func (m Auth) CorrelationID() string { return m.RequestID }

// Ping is the keep-alive probe sent while connected.
type Ping struct {
	RequestID string
}

func (Ping) Type() string { return TypePing }
func (m Ping) CorrelationID() string { return m.RequestID }

// Pong is in the catalogue for completeness; the bridge answers pings with
// plain response frames, but may emit pong on its own.
type Pong struct {
	RequestID string
}

func (Pong) Type() string { return TypePong }

// Response answers a request, matched by RequestID.
type Response struct {
	RequestID string
	Success   bool
	Error     string
	Payload   map[string]any
}

func (Response) Type() string { return TypeResponse }
func (m Response) CorrelationID() string { return m.RequestID }

// ReadFile asks the bridge for a file's content.
type ReadFile struct {
	RequestID string
	Path      string
}

func (ReadFile) Type() string { return TypeReadFile }
func (m ReadFile) CorrelationID() string { return m.RequestID }

// WriteFile writes content to a remote path.
type WriteFile struct {
	RequestID         string
	Path              string
	Content           string
	CreateDirectories bool
}

func (WriteFile) Type() string { return TypeWriteFile }
func (m WriteFile) CorrelationID() string { return m.RequestID }

// OpenFile opens a document in the remote editor.
type OpenFile struct {
	RequestID  string
	Path       string
	Preview    bool
	ViewColumn int
}

func (OpenFile) Type() string { return TypeOpenFile }
func (m OpenFile) CorrelationID() string { return m.RequestID }

// SaveFile saves the named document, or the active one when Path is empty.
type SaveFile struct {
	RequestID string
	Path      string
}

func (SaveFile) Type() string { return TypeSaveFile }
func (m SaveFile) CorrelationID() string { return m.RequestID }

// DeleteFile removes a remote file or directory.
type DeleteFile struct {
	RequestID string
	Path      string
	Recursive bool
}

func (DeleteFile) Type() string { return TypeDeleteFile }
func (m DeleteFile) CorrelationID() string { return m.RequestID }

// CreateDirectory creates a remote directory.
type CreateDirectory struct {
	RequestID string
	Path      string
}

func (CreateDirectory) Type() string { return TypeCreateDirectory }
func (m CreateDirectory) CorrelationID() string { return m.RequestID }

// RunShellCommand executes a shell command on the bridge host. With
// CaptureOutput the response carries stdout/stderr/exitCode; with
// UseVisibleTerminal the response is an immediate acknowledgement and the
// real output streams in later via terminal.output/terminal.completed.
type RunShellCommand struct {
	RequestID          string
	Command            string
	Cwd                string
	CaptureOutput      bool
	UseVisibleTerminal bool
	TerminalName       string
	ReuseTerminal      bool
}

func (RunShellCommand) Type() string { return TypeRunShellCommand }
func (m RunShellCommand) CorrelationID() string { return m.RequestID }

// RequestWorkspaceTree asks for a full workspace tree snapshot.
type RequestWorkspaceTree struct {
	RequestID     string
	IncludeHidden bool
	MaxDepth      int
}

func (RequestWorkspaceTree) Type() string { return TypeRequestWorkspaceTree }
func (m RequestWorkspaceTree) CorrelationID() string { return m.RequestID }

// ExecuteCommand invokes an editor command by identifier.
type ExecuteCommand struct {
	RequestID string
	Command   string
	Args      []any
}

func (ExecuteCommand) Type() string { return TypeExecuteCommand }
func (m ExecuteCommand) CorrelationID() string { return m.RequestID }

// Bridge → client events. None of these carry a requestId.

// DocumentOpened reports a document opened in the remote editor.
type DocumentOpened struct {
	URI        string
	FileName   string
	LanguageID string
	LineCount  int
	Content    string
}

func (DocumentOpened) Type() string { return TypeDocumentOpened }

// DocumentChanged reports an edit to a remote document. ContentAfterChange
// is nil when the bridge did not include a post-change snapshot.
type DocumentChanged struct {
	URI                string
	FileName           string
	Changes            []ContentChange
	ContentAfterChange *string
}

func (DocumentChanged) Type() string { return TypeDocumentChanged }

// DocumentSaved reports a remote save, carrying the saved content.
type DocumentSaved struct {
	URI      string
	FileName string
	Content  string
}

func (DocumentSaved) Type() string { return TypeDocumentSaved }

// DocumentClosed reports a document closed in the remote editor.
type DocumentClosed struct {
	URI      string
	FileName string
}

func (DocumentClosed) Type() string { return TypeDocumentClosed }

// WorkspaceChanged reports a change to the set of workspace folders.
type WorkspaceChanged struct {
	WorkspaceFolders []string
}

func (WorkspaceChanged) Type() string { return TypeWorkspaceChanged }

// WorkspaceTree pushes a full tree snapshot.
type WorkspaceTree struct {
	Tree []FileTreeNode
}

func (WorkspaceTree) Type() string { return TypeWorkspaceTree }

// TerminalOutput streams a chunk of output from a visible terminal.
// Stream is "stderr" for the error channel, anything else is stdout.
type TerminalOutput struct {
	TerminalName string
	Data         string
	Stream       string
	Timestamp    int64
}

func (TerminalOutput) Type() string { return TypeTerminalOutput }

// TerminalCompleted reports that a visible-terminal command finished.
type TerminalCompleted struct {
	TerminalName string
	ExitCode     int
	Timestamp    int64
}

func (TerminalCompleted) Type() string { return TypeTerminalCompleted }

// Unknown preserves frames with type tags this client does not know.
// Decoding never fails on them, which keeps the client forward compatible
// with bridge-side protocol additions.
type Unknown struct {
	RawType   string
	RequestID string
	Payload   map[string]any
}

func (m Unknown) Type() string { return m.RawType }
