// Package chat drives one interactive message exchange against a folder's
// conversation surface.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatdex/internal/browser"
	"chatdex/internal/extract"
	"chatdex/internal/logging"
	"chatdex/internal/session"
	"chatdex/internal/stability"
)

// ErrNoReply means the exchange completed but no assistant turn could be
// extracted from the settled transcript.
var ErrNoReply = errors.New("no assistant reply extracted")

// Request is one chat send. ThreadKey scopes the session (one conversation
// per folder); FolderContext is injected ahead of the first message of a
// fresh session and never again.
type Request struct {
	ThreadKey     string
	Message       string
	FolderContext string
}

// Result carries the assistant's reply and the real thread identifier when
// the surface URL reveals one.
type Result struct {
	Reply    string
	ThreadID string
}

// Migrator promotes a surrogate identifier once a real one is known.
// *reconcile.Migrator implements it.
type Migrator interface {
	IsSurrogate(id string) bool
	Migrate(surrogateID, realID, title string) (bool, error)
}

// Exchanger owns chat-side wiring: sessions, settle detection, extraction.
type Exchanger struct {
	sessions  *session.Manager
	detector  *stability.Detector
	extractor *extract.Extractor
	selectors browser.Selectors
	migrator  Migrator
	// threadIDFromURL parses the real thread id out of the surface URL,
	// returning "" while the page is still on a new-thread route.
	threadIDFromURL func(url string) string
}

// New creates an Exchanger. threadIDFromURL may be nil (no id discovery).
func New(sessions *session.Manager, detector *stability.Detector, extractor *extract.Extractor,
	selectors browser.Selectors, migrator Migrator, threadIDFromURL func(string) string) *Exchanger {
	if threadIDFromURL == nil {
		threadIDFromURL = func(string) string { return "" }
	}
	return &Exchanger{
		sessions:        sessions,
		detector:        detector,
		extractor:       extractor,
		selectors:       selectors,
		migrator:        migrator,
		threadIDFromURL: threadIDFromURL,
	}
}

// Send runs one full exchange: acquire the thread's session, send the
// message (with folder context on first use), wait for the reply to settle,
// extract the last assistant turn. Exchanges on the same ThreadKey are
// strictly sequential; the session manager enforces that.
func (e *Exchanger) Send(ctx context.Context, req Request) (Result, error) {
	sess, err := e.sessions.Acquire(ctx, req.ThreadKey)
	if err != nil {
		return Result{}, err
	}
	surface := sess.Surface()

	message := req.Message
	if !sess.ContextSent && req.FolderContext != "" {
		message = contextBlock(req.FolderContext) + "\n\n" + message
	}

	events, err := surface.StartMonitor(ctx, e.selectors.Conversation)
	if err != nil {
		e.sessions.CloseSession(sess)
		return Result{}, fmt.Errorf("start mutation monitor: %w", err)
	}

	if err := surface.SendMessage(ctx, e.selectors, message); err != nil {
		// A failed send leaves the composer in an unknown state; discard the
		// surface rather than risk a double-send on retry.
		e.sessions.CloseSession(sess)
		return Result{}, fmt.Errorf("send message: %w", err)
	}
	sess.ContextSent = true

	err = e.detector.Wait(ctx, events, func() int {
		return surface.ContentLength(ctx, e.selectors.Conversation)
	})
	if err != nil && !errors.Is(err, stability.ErrContentTooShort) {
		e.sessions.Release(sess)
		return Result{}, fmt.Errorf("wait for reply: %w", err)
	}

	html, err := surface.ConversationHTML(ctx, e.selectors.Conversation)
	if err != nil {
		e.sessions.Release(sess)
		return Result{}, fmt.Errorf("read conversation: %w", err)
	}

	content, err := e.extractor.Extract(html)
	if err != nil {
		e.sessions.Release(sess)
		return Result{}, fmt.Errorf("extract reply: %w", err)
	}

	reply := lastAssistantTurn(content.Turns)
	if reply == "" {
		e.sessions.Release(sess)
		return Result{}, ErrNoReply
	}

	result := Result{Reply: reply, ThreadID: e.discoverThreadID(sess, req.ThreadKey)}
	e.sessions.Release(sess)
	return result, nil
}

// discoverThreadID checks the surface URL for a real thread id. When the
// session was created under a surrogate, the surrogate is migrated in place.
func (e *Exchanger) discoverThreadID(sess *session.Session, threadKey string) string {
	url, err := sess.Surface().URL()
	if err != nil {
		logging.ChatDebug("thread %s: url read failed: %v", threadKey, err)
		return sess.RealThreadID
	}
	realID := e.threadIDFromURL(url)
	if realID == "" || realID == sess.RealThreadID {
		return sess.RealThreadID
	}

	sess.RealThreadID = realID
	if sess.SurrogateThreadID != "" && e.migrator != nil && e.migrator.IsSurrogate(sess.SurrogateThreadID) {
		if _, err := e.migrator.Migrate(sess.SurrogateThreadID, realID, ""); err != nil {
			logging.Chat("thread %s: surrogate migration failed: %v", threadKey, err)
		} else {
			logging.Reconcile("thread %s: %s -> %s", threadKey, sess.SurrogateThreadID, realID)
			sess.SurrogateThreadID = ""
		}
	}
	return realID
}

// contextBlock wraps the folder context in markers the extractor strips, so
// the scaffolding never re-enters the index.
func contextBlock(folderContext string) string {
	return extract.ContextBeginMarker + "\n" + strings.TrimSpace(folderContext) + "\n" + extract.ContextEndMarker
}

// lastAssistantTurn returns the newest assistant text, "" when none.
func lastAssistantTurn(turns []extract.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "assistant" {
			return turns[i].Text
		}
	}
	return ""
}
