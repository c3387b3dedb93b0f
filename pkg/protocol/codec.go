package protocol

import (
	"encoding/json"

	apperrors "github.com/nvollmar/codelink/pkg/errors"
)

// envelope is the wire shape of every frame.
type envelope struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Error     string         `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// decoders dispatches on the wire type tag. Tags absent from this table
// decode to Unknown.
var decoders = map[string]func(env *envelope) (Message, error){
	TypeAuth:                 decodeAuth,
	TypePing:                 decodePing,
	TypePong:                 decodePong,
	TypeResponse:             decodeResponse,
	TypeReadFile:             decodeReadFile,
	TypeWriteFile:            decodeWriteFile,
	TypeOpenFile:             decodeOpenFile,
	TypeSaveFile:             decodeSaveFile,
	TypeDeleteFile:           decodeDeleteFile,
	TypeCreateDirectory:      decodeCreateDirectory,
	TypeRunShellCommand:      decodeRunShellCommand,
	TypeRequestWorkspaceTree: decodeRequestWorkspaceTree,
	TypeExecuteCommand:       decodeExecuteCommand,
	TypeDocumentOpened:       decodeDocumentOpened,
	TypeDocumentChanged:      decodeDocumentChanged,
	TypeDocumentSaved:        decodeDocumentSaved,
	TypeDocumentClosed:       decodeDocumentClosed,
	TypeWorkspaceChanged:     decodeWorkspaceChanged,
	TypeWorkspaceTree:        decodeWorkspaceTree,
	TypeTerminalOutput:       decodeTerminalOutput,
	TypeTerminalCompleted:    decodeTerminalCompleted,
}

// Decode parses a raw text frame into a typed message. Structural failures
// and missing/mistyped required fields return a DECODE_FAILED error; the
// caller is expected to log it and keep reading subsequent frames. Unknown
// type tags are not an error.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecode, "frame is not valid JSON")
	}
	if env.Type == "" {
		return nil, apperrors.New(apperrors.ErrCodeDecode, "frame has no type tag")
	}

	decode, ok := decoders[env.Type]
	if !ok {
		return Unknown{
			RawType:   env.Type,
			RequestID: env.RequestID,
			Payload:   env.Payload,
		}, nil
	}
	return decode(&env)
}

// Encode serializes a typed message into a wire frame, omitting absent
// optional fields.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}

	switch msg := m.(type) {
	case Auth:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"token": msg.Token}
	case Ping:
		env.RequestID = msg.RequestID
	case Pong:
		env.RequestID = msg.RequestID
	case Response:
		env.RequestID = msg.RequestID
		success := msg.Success
		env.Success = &success
		env.Error = msg.Error
		env.Payload = msg.Payload
	case ReadFile:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"path": msg.Path}
	case WriteFile:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"path": msg.Path, "content": msg.Content}
		if msg.CreateDirectories {
			env.Payload["createDirectories"] = true
		}
	case OpenFile:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"path": msg.Path}
		if msg.Preview {
			env.Payload["preview"] = true
		}
		if msg.ViewColumn != 0 {
			env.Payload["viewColumn"] = msg.ViewColumn
		}
	case SaveFile:
		env.RequestID = msg.RequestID
		if msg.Path != "" {
			env.Payload = map[string]any{"path": msg.Path}
		}
	case DeleteFile:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"path": msg.Path}
		if msg.Recursive {
			env.Payload["recursive"] = true
		}
	case CreateDirectory:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"path": msg.Path}
	case RunShellCommand:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"command": msg.Command}
		if msg.Cwd != "" {
			env.Payload["cwd"] = msg.Cwd
		}
		if msg.CaptureOutput {
			env.Payload["captureOutput"] = true
		}
		if msg.UseVisibleTerminal {
			env.Payload["useVisibleTerminal"] = true
		}
		if msg.TerminalName != "" {
			env.Payload["terminalName"] = msg.TerminalName
		}
		if msg.ReuseTerminal {
			env.Payload["reuseTerminal"] = true
		}
	case RequestWorkspaceTree:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{}
		if msg.IncludeHidden {
			env.Payload["includeHidden"] = true
		}
		if msg.MaxDepth != 0 {
			env.Payload["maxDepth"] = msg.MaxDepth
		}
	case ExecuteCommand:
		env.RequestID = msg.RequestID
		env.Payload = map[string]any{"command": msg.Command}
		if len(msg.Args) > 0 {
			env.Payload["args"] = msg.Args
		}
	case DocumentOpened:
		env.Payload = map[string]any{
			"uri":        msg.URI,
			"fileName":   msg.FileName,
			"languageId": msg.LanguageID,
			"lineCount":  msg.LineCount,
			"content":    msg.Content,
		}
	case DocumentChanged:
		env.Payload = map[string]any{
			"uri":      msg.URI,
			"fileName": msg.FileName,
			"changes":  msg.Changes,
		}
		if msg.ContentAfterChange != nil {
			env.Payload["contentAfterChange"] = *msg.ContentAfterChange
		}
	case DocumentSaved:
		env.Payload = map[string]any{
			"uri":      msg.URI,
			"fileName": msg.FileName,
			"content":  msg.Content,
		}
	case DocumentClosed:
		env.Payload = map[string]any{
			"uri":      msg.URI,
			"fileName": msg.FileName,
		}
	case WorkspaceChanged:
		env.Payload = map[string]any{"workspaceFolders": msg.WorkspaceFolders}
	case WorkspaceTree:
		env.Payload = map[string]any{"tree": msg.Tree}
	case TerminalOutput:
		env.Payload = map[string]any{
			"terminalName": msg.TerminalName,
			"data":         msg.Data,
			"timestamp":    msg.Timestamp,
		}
		if msg.Stream != "" {
			env.Payload["stream"] = msg.Stream
		}
	case TerminalCompleted:
		env.Payload = map[string]any{
			"terminalName": msg.TerminalName,
			"exitCode":     msg.ExitCode,
			"timestamp":    msg.Timestamp,
		}
	case Unknown:
		env.Type = msg.RawType
		env.RequestID = msg.RequestID
		env.Payload = msg.Payload
	default:
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "cannot encode message").
			WithContext("type", m.Type())
	}

	return json.Marshal(env)
}

// Payload field extraction helpers. Required fields return DECODE_FAILED
// when missing or of the wrong type; optional fields fall back to zero
// values.

func requireString(env *envelope, key string) (string, error) {
	v, ok := env.Payload[key]
	if !ok {
		return "", missingField(env, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(env, key, "string")
	}
	return s, nil
}

func optString(env *envelope, key string) string {
	s, _ := env.Payload[key].(string)
	return s
}

func optBool(env *envelope, key string) bool {
	b, _ := env.Payload[key].(bool)
	return b
}

func optInt(env *envelope, key string) int {
	switch v := env.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func optInt64(env *envelope, key string) int64 {
	switch v := env.Payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func missingField(env *envelope, key string) error {
	return apperrors.New(apperrors.ErrCodeDecode, "required payload field missing").
		WithContext("type", env.Type).
		WithContext("field", key)
}

func wrongType(env *envelope, key, want string) error {
	return apperrors.New(apperrors.ErrCodeDecode, "payload field has wrong type").
		WithContext("type", env.Type).
		WithContext("field", key).
		WithContext("want", want)
}

// remarshal round-trips a decoded payload value through JSON into a typed
// destination. Used for nested structures like tree nodes and change lists.
func remarshal(env *envelope, key string, dst any) error {
	v, ok := env.Payload[key]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return wrongType(env, key, "structured value")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return wrongType(env, key, "structured value")
	}
	return nil
}

// Per-variant decoders.

func decodeAuth(env *envelope) (Message, error) {
	token, err := requireString(env, "token")
	if err != nil {
		return nil, err
	}
	return Auth{RequestID: env.RequestID, Token: token}, nil
}

func decodePing(env *envelope) (Message, error) {
	return Ping{RequestID: env.RequestID}, nil
}

func decodePong(env *envelope) (Message, error) {
	return Pong{RequestID: env.RequestID}, nil
}

func decodeResponse(env *envelope) (Message, error) {
	if env.RequestID == "" {
		return nil, missingField(env, "requestId")
	}
	success := false
	if env.Success != nil {
		success = *env.Success
	}
	return Response{
		RequestID: env.RequestID,
		Success:   success,
		Error:     env.Error,
		Payload:   env.Payload,
	}, nil
}

func decodeReadFile(env *envelope) (Message, error) {
	path, err := requireString(env, "path")
	if err != nil {
		return nil, err
	}
	return ReadFile{RequestID: env.RequestID, Path: path}, nil
}

func decodeWriteFile(env *envelope) (Message, error) {
	path, err := requireString(env, "path")
	if err != nil {
		return nil, err
	}
	content, err := requireString(env, "content")
	if err != nil {
		return nil, err
	}
	return WriteFile{
		RequestID:         env.RequestID,
		Path:              path,
		Content:           content,
		CreateDirectories: optBool(env, "createDirectories"),
	}, nil
}

func decodeOpenFile(env *envelope) (Message, error) {
	path, err := requireString(env, "path")
	if err != nil {
		return nil, err
	}
	return OpenFile{
		RequestID:  env.RequestID,
		Path:       path,
		Preview:    optBool(env, "preview"),
		ViewColumn: optInt(env, "viewColumn"),
	}, nil
}

func decodeSaveFile(env *envelope) (Message, error) {
	return SaveFile{RequestID: env.RequestID, Path: optString(env, "path")}, nil
}

func decodeDeleteFile(env *envelope) (Message, error) {
	path, err := requireString(env, "path")
	if err != nil {
		return nil, err
	}
	return DeleteFile{
		RequestID: env.RequestID,
		Path:      path,
		Recursive: optBool(env, "recursive"),
	}, nil
}

func decodeCreateDirectory(env *envelope) (Message, error) {
	path, err := requireString(env, "path")
	if err != nil {
		return nil, err
	}
	return CreateDirectory{RequestID: env.RequestID, Path: path}, nil
}

func decodeRunShellCommand(env *envelope) (Message, error) {
	command, err := requireString(env, "command")
	if err != nil {
		return nil, err
	}
	return RunShellCommand{
		RequestID:          env.RequestID,
		Command:            command,
		Cwd:                optString(env, "cwd"),
		CaptureOutput:      optBool(env, "captureOutput"),
		UseVisibleTerminal: optBool(env, "useVisibleTerminal"),
		TerminalName:       optString(env, "terminalName"),
		ReuseTerminal:      optBool(env, "reuseTerminal"),
	}, nil
}

func decodeRequestWorkspaceTree(env *envelope) (Message, error) {
	return RequestWorkspaceTree{
		RequestID:     env.RequestID,
		IncludeHidden: optBool(env, "includeHidden"),
		MaxDepth:      optInt(env, "maxDepth"),
	}, nil
}

func decodeExecuteCommand(env *envelope) (Message, error) {
	command, err := requireString(env, "command")
	if err != nil {
		return nil, err
	}
	var args []any
	if err := remarshal(env, "args", &args); err != nil {
		return nil, err
	}
	return ExecuteCommand{RequestID: env.RequestID, Command: command, Args: args}, nil
}

func decodeDocumentOpened(env *envelope) (Message, error) {
	fileName, err := requireString(env, "fileName")
	if err != nil {
		return nil, err
	}
	content, err := requireString(env, "content")
	if err != nil {
		return nil, err
	}
	return DocumentOpened{
		URI:        optString(env, "uri"),
		FileName:   fileName,
		LanguageID: optString(env, "languageId"),
		LineCount:  optInt(env, "lineCount"),
		Content:    content,
	}, nil
}

func decodeDocumentChanged(env *envelope) (Message, error) {
	fileName, err := requireString(env, "fileName")
	if err != nil {
		return nil, err
	}
	var changes []ContentChange
	if err := remarshal(env, "changes", &changes); err != nil {
		return nil, err
	}
	msg := DocumentChanged{
		URI:      optString(env, "uri"),
		FileName: fileName,
		Changes:  changes,
	}
	if v, ok := env.Payload["contentAfterChange"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, wrongType(env, "contentAfterChange", "string")
		}
		msg.ContentAfterChange = &s
	}
	return msg, nil
}

func decodeDocumentSaved(env *envelope) (Message, error) {
	fileName, err := requireString(env, "fileName")
	if err != nil {
		return nil, err
	}
	content, err := requireString(env, "content")
	if err != nil {
		return nil, err
	}
	return DocumentSaved{
		URI:      optString(env, "uri"),
		FileName: fileName,
		Content:  content,
	}, nil
}

func decodeDocumentClosed(env *envelope) (Message, error) {
	fileName, err := requireString(env, "fileName")
	if err != nil {
		return nil, err
	}
	return DocumentClosed{URI: optString(env, "uri"), FileName: fileName}, nil
}

func decodeWorkspaceChanged(env *envelope) (Message, error) {
	var folders []string
	if err := remarshal(env, "workspaceFolders", &folders); err != nil {
		return nil, err
	}
	return WorkspaceChanged{WorkspaceFolders: folders}, nil
}

func decodeWorkspaceTree(env *envelope) (Message, error) {
	var tree []FileTreeNode
	if err := remarshal(env, "tree", &tree); err != nil {
		return nil, err
	}
	return WorkspaceTree{Tree: tree}, nil
}

func decodeTerminalOutput(env *envelope) (Message, error) {
	name, err := requireString(env, "terminalName")
	if err != nil {
		return nil, err
	}
	data, err := requireString(env, "data")
	if err != nil {
		return nil, err
	}
	return TerminalOutput{
		TerminalName: name,
		Data:         data,
		Stream:       optString(env, "stream"),
		Timestamp:    optInt64(env, "timestamp"),
	}, nil
}

func decodeTerminalCompleted(env *envelope) (Message, error) {
	name, err := requireString(env, "terminalName")
	if err != nil {
		return nil, err
	}
	return TerminalCompleted{
		TerminalName: name,
		ExitCode:     optInt(env, "exitCode"),
		Timestamp:    optInt64(env, "timestamp"),
	}, nil
}
