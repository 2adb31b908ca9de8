// Package uploadlink manages the public, unauthenticated document-upload
// flow. One Session tracks one single-use upload token: the vendor it
// belongs to and the documents still pending against it. It is the
// token-scoped counterpart of the authenticated session and never touches
// the credential store.
package uploadlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"compligate.org/internal/remote"
)

// State of the upload-link session.
type State int

const (
	StateValidating State = iota
	StateError
	StateActive
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateError:
		return "error"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

var (
	// ErrNotActive is returned for uploads attempted outside the active
	// state. Completed is terminal: the token is single-use and must never
	// be exercised again, even if the server would nominally accept it.
	ErrNotActive = errors.New("uploadlink: session is not active")

	// ErrUnknownDocument is returned when the targeted document is not in
	// the pending list.
	ErrUnknownDocument = errors.New("uploadlink: document is not pending")
)

// Session is the client-side state for one upload token.
type Session struct {
	api   *remote.Client
	token string

	mu       sync.Mutex
	state    State
	vendor   string
	pending  []remote.PendingDocument
	selected string
	lastErr  string
}

func New(api *remote.Client, token string) *Session {
	return &Session{api: api, token: token, state: StateValidating}
}

// Resolve validates the token against the server and loads the pending
// document list. An invalid or consumed token moves the session to the error
// state; it never becomes active. A token with nothing left pending is
// completed immediately.
func (s *Session) Resolve(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateValidating {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("uploadlink: resolve in state %s", state)
	}
	s.mu.Unlock()

	link, err := s.api.ResolveUploadLink(ctx, s.token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateError
		s.lastErr = userMessage(err, "Invalid upload link")
		return err
	}
	s.vendor = link.VendorName
	s.pending = append([]remote.PendingDocument(nil), link.PendingDocuments...)
	if len(s.pending) == 0 {
		s.state = StateCompleted
		return nil
	}
	s.state = StateActive
	s.selected = s.pending[0].ID
	return nil
}

// Upload submits one file against one pending document, with an optional
// per-document expiry date. On success the document leaves the pending list;
// draining the list completes the session. A failed upload leaves the state
// untouched and records the server's message verbatim when one was given.
func (s *Session) Upload(ctx context.Context, documentID string, expiry *time.Time, f remote.File) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	if !s.isPending(documentID) {
		s.mu.Unlock()
		return ErrUnknownDocument
	}
	s.mu.Unlock()

	allComplete, err := s.api.UploadDocument(ctx, s.token, documentID, expiry, f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = userMessage(err, "Upload failed")
		return err
	}
	s.lastErr = ""
	s.removePending(documentID)
	if allComplete || len(s.pending) == 0 {
		// Terminal regardless of what a stale response might later claim.
		s.pending = nil
		s.selected = ""
		s.state = StateCompleted
		return nil
	}
	s.selected = s.pending[0].ID
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// VendorName is the resolved vendor display name.
func (s *Session) VendorName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vendor
}

// Pending returns a copy of the outstanding document list.
func (s *Session) Pending() []remote.PendingDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.PendingDocument(nil), s.pending...)
}

// Selected is the pre-selected document for the next upload.
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// LastError is the most recent user-facing failure message.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) isPending(documentID string) bool {
	for _, doc := range s.pending {
		if doc.ID == documentID {
			return true
		}
	}
	return false
}

func (s *Session) removePending(documentID string) {
	kept := s.pending[:0]
	for _, doc := range s.pending {
		if doc.ID != documentID {
			kept = append(kept, doc)
		}
	}
	s.pending = kept
}

// userMessage prefers the server's own message; constraint and transport
// failures fall back to a short generic one.
func userMessage(err error, fallback string) string {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return fallback
}
