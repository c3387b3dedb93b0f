// Package workspace mirrors the remote workspace: a whole-tree file
// snapshot and the list of workspace folders. The tree is replaced
// wholesale on every update; there is no incremental diffing.
package workspace

import (
	"context"
	"encoding/json"
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

// RefreshOptions narrow an explicit tree refresh.
type RefreshOptions struct {
	IncludeHidden bool
	MaxDepth      int
}

// Tree tracks the latest workspace snapshot pushed by the bridge or
// fetched on demand.
type Tree struct {
	requester Requester
	log       *logging.Logger

	mu        sync.RWMutex
	roots     []protocol.FileTreeNode
	folders   []string
	updatedAt time.Time

	sub bus.Subscription
}

// NewTree creates the router and subscribes it to workspace events on b.
func NewTree(requester Requester, b bus.Broadcaster, logger *logging.Logger) (*Tree, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	t := &Tree{requester: requester, log: logger}

	sub, err := b.Subscribe(client.SubjectMessage("workspace.*"), t.handleEvent)
	if err != nil {
		return nil, err
	}
	t.sub = sub
	return t, nil
}

// Close stops event handling. The last snapshot stays readable.
func (t *Tree) Close() {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
}

// Refresh fetches a fresh snapshot from the bridge and replaces the
// current one.
func (t *Tree) Refresh(ctx context.Context, opts RefreshOptions) ([]protocol.FileTreeNode, error) {
	resp, err := t.requester.SendRequest(ctx, protocol.RequestWorkspaceTree{
		RequestID:     protocol.NewRequestID(),
		IncludeHidden: opts.IncludeHidden,
		MaxDepth:      opts.MaxDepth,
	})
	if err != nil {
		t.log.Error(logging.CategoryWorkspace, "refresh_failed", err.Error(), nil)
		return nil, err
	}

	roots, err := decodeTreePayload(resp.Payload["tree"])
	if err != nil {
		t.log.Error(logging.CategoryWorkspace, "refresh_decode_failed", err.Error(), nil)
		return nil, err
	}
	t.replace(roots)
	return t.Roots(), nil
}

// Roots returns a copy of the current top-level nodes.
func (t *Tree) Roots() []protocol.FileTreeNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]protocol.FileTreeNode, len(t.roots))
	copy(out, t.roots)
	return out
}

// Folders returns the workspace folder paths from the last
// workspace.changed event.
func (t *Tree) Folders() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.folders))
	copy(out, t.folders)
	return out
}

// UpdatedAt returns when the snapshot was last replaced, zero if never.
func (t *Tree) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updatedAt
}

// Find walks the snapshot for the node with the given path.
func (t *Tree) Find(path string) (protocol.FileTreeNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return findNode(t.roots, path)
}

func findNode(nodes []protocol.FileTreeNode, path string) (protocol.FileTreeNode, bool) {
	for _, node := range nodes {
		if node.Path == path {
			return node, true
		}
		if found, ok := findNode(node.Children, path); ok {
			return found, true
		}
	}
	return protocol.FileTreeNode{}, false
}

func (t *Tree) handleEvent(msg *bus.Envelope) {
	switch event := msg.Data.(type) {
	case protocol.WorkspaceTree:
		t.replace(event.Tree)
	case protocol.WorkspaceChanged:
		t.mu.Lock()
		t.folders = append([]string(nil), event.WorkspaceFolders...)
		t.mu.Unlock()
		t.log.Info(logging.CategoryWorkspace, "folders_changed", "", map[string]any{
			"count": len(event.WorkspaceFolders),
		})
	}
}

func (t *Tree) replace(roots []protocol.FileTreeNode) {
	t.mu.Lock()
	t.roots = roots
	t.updatedAt = time.Now()
	t.mu.Unlock()
	t.log.Debug(logging.CategoryWorkspace, "tree_replaced", "", map[string]any{
		"roots": len(roots),
	})
}

// decodeTreePayload converts the generic response payload back into typed
// nodes. Response payloads arrive as generic JSON values.
func decodeTreePayload(raw any) ([]protocol.FileTreeNode, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecode, "tree payload is not valid JSON")
	}
	var roots []protocol.FileTreeNode
	if err := json.Unmarshal(data, &roots); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecode, "tree payload has unexpected shape")
	}
	return roots, nil
}
