// Package bridge is the websocket seam between the core and its two external
// collaborators: the organizer front-end and the visible application tab's
// collaborator script. All cross-process traffic rides one framed protocol.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatdex/internal/chat"
	"chatdex/internal/correlate"
	"chatdex/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // extraction payloads can be large
)

// ErrNoVisiblePage means no page collaborator is currently connected.
var ErrNoVisiblePage = errors.New("no visible page connected")

// Enqueuer accepts indexing jobs. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(identifier, title string, needsDiscovery bool) bool
}

// Exchanger runs one interactive chat exchange. *chat.Exchanger implements
// it.
type Exchanger interface {
	Send(ctx context.Context, req chat.Request) (chat.Result, error)
}

// Persister stores extraction results forwarded by the page collaborator.
// *store.Store implements it.
type Persister interface {
	SaveContent(id, title, text string, turnCount int) error
}

// SurrogateMinter mints deterministic placeholder identifiers for chats whose
// real id is unknown. *reconcile.Migrator implements it.
type SurrogateMinter interface {
	SurrogateID(title string) string
}

// Config wires a Bridge. Queue may be set later via SetQueue: the queue's
// pipeline needs the bridge for discovery, so one side has to bind late.
type Config struct {
	Queue     Enqueuer
	Exchanger Exchanger
	Store     Persister
	Minter    SurrogateMinter
	Registry  *correlate.Registry
	// RequestTimeout bounds one chat exchange end to end.
	RequestTimeout time.Duration
}

// Bridge owns the websocket endpoint and the page-collaborator registry.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	page    *peer
	waiters map[string][]chan struct{}
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	return &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Collaborators connect from the application's own origin, which
			// is never ours.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		waiters: make(map[string][]chan struct{}),
	}
}

// SetQueue binds the job queue. Must be called before Run.
func (b *Bridge) SetQueue(q Enqueuer) {
	b.cfg.Queue = q
}

// peer is one websocket connection with a dedicated writer.
type peer struct {
	ws   *websocket.Conn
	out  chan Envelope
	done chan struct{}
	once sync.Once
	role string
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

func (p *peer) send(env Envelope) error {
	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return errors.New("peer closed")
	}
}

// Handler returns the HTTP handler serving the websocket endpoint at /ws.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	return mux
}

// Run serves the bridge on addr until ctx is done.
func (b *Bridge) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: b.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Bridge("listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Bridge("upgrade failed: %v", err)
		return
	}
	p := &peer{
		ws:   ws,
		out:  make(chan Envelope, 64),
		done: make(chan struct{}),
	}
	go b.writeLoop(p)
	b.readLoop(p)
}

func (b *Bridge) writeLoop(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.ws.Close()
	}()
	for {
		select {
		case env := <-p.out:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteJSON(env); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (b *Bridge) readLoop(p *peer) {
	defer func() {
		b.dropPeer(p)
		p.close()
	}()

	p.ws.SetReadLimit(maxMessageSize)
	_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := p.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Bridge("peer %s read error: %v", p.role, err)
			}
			return
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
		b.dispatch(p, env)
	}
}

func (b *Bridge) dispatch(p *peer, env Envelope) {
	switch env.Type {
	case TypeHello:
		b.handleHello(p, env)
	case TypeProbe:
		_ = p.send(Envelope{Type: TypeAck, RequestID: env.RequestID})
	case TypeIndexRequest:
		b.handleIndexRequest(p, env)
	case TypeChatSendRequest:
		go b.handleChatSend(p, env)
	case TypeDiscoveryComplete:
		b.handleDiscoveryComplete(env)
	case TypeExtractionComplete:
		b.handleExtractionComplete(p, env)
	default:
		b.sendError(p, env.RequestID, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (b *Bridge) handleHello(p *peer, env Envelope) {
	var pl HelloPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		b.sendError(p, env.RequestID, "malformed hello")
		return
	}
	p.role = pl.Role
	if pl.Role == RolePage {
		b.mu.Lock()
		old := b.page
		b.page = p
		b.mu.Unlock()
		if old != nil && old != p {
			old.close()
		}
		logging.Bridge("visible page connected")
	} else {
		logging.Bridge("peer connected: %s", pl.Role)
	}
	_ = p.send(Envelope{Type: TypeAck, RequestID: env.RequestID})
}

func (b *Bridge) handleIndexRequest(p *peer, env Envelope) {
	var pl IndexRequestPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		b.sendError(p, env.RequestID, "malformed index request")
		return
	}
	if b.cfg.Queue == nil {
		b.sendError(p, env.RequestID, "indexing not available")
		return
	}
	identifier := pl.Identifier
	needsDiscovery := false
	if identifier == "" {
		// No real id yet: mint a surrogate and let discovery resolve it.
		identifier = b.cfg.Minter.SurrogateID(pl.Title)
		needsDiscovery = true
	}
	queued := b.cfg.Queue.Enqueue(identifier, pl.Title, needsDiscovery)
	_ = p.send(Envelope{
		Type:      TypeAck,
		RequestID: env.RequestID,
		Payload:   mustMarshal(IndexAckPayload{Identifier: identifier, Queued: queued}),
	})
}

// handleChatSend runs one exchange through the correlator: the pending entry
// is registered first, then the exchange resolves or fails it, and the reply
// goes back tagged with the original request id. Runs on its own goroutine so
// a long exchange never stalls the read loop.
func (b *Bridge) handleChatSend(p *peer, env Envelope) {
	var pl ChatSendPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		b.sendError(p, env.RequestID, "malformed chat send request")
		return
	}
	requestID := env.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	resp, err := b.cfg.Registry.Send(context.Background(), requestID, pl,
		func(id string, _ interface{}) error {
			go b.runExchange(id, pl)
			return nil
		})

	out := ChatSendResponsePayload{OK: resp.OK, Reply: resp.Text, ThreadID: resp.RealID}
	if err != nil {
		out = ChatSendResponsePayload{OK: false, Error: err.Error()}
	} else if !resp.OK {
		out.Error = resp.Err
	}
	_ = p.send(Envelope{
		Type:      TypeChatSendResponse,
		RequestID: env.RequestID,
		Payload:   mustMarshal(out),
	})
}

func (b *Bridge) runExchange(requestID string, pl ChatSendPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()

	res, err := b.cfg.Exchanger.Send(ctx, chat.Request{
		ThreadKey:     pl.ThreadKey,
		Message:       pl.Message,
		FolderContext: pl.FolderContext,
	})
	if err != nil {
		b.cfg.Registry.Fail(requestID, err.Error())
		return
	}
	b.cfg.Registry.Resolve(requestID, correlate.Response{
		OK:     true,
		Text:   res.Reply,
		RealID: res.ThreadID,
	})
}

func (b *Bridge) handleDiscoveryComplete(env Envelope) {
	var pl DiscoveryCompletePayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		logging.Bridge("malformed discovery completion dropped")
		return
	}
	if pl.Error != "" {
		b.cfg.Registry.Fail(env.RequestID, pl.Error)
		return
	}
	if !b.cfg.Registry.Resolve(env.RequestID, correlate.Response{OK: true, RealID: pl.RealID}) {
		logging.Correlate("discovery completion for unknown request %s ignored", env.RequestID)
	}
}

func (b *Bridge) handleExtractionComplete(p *peer, env Envelope) {
	var pl ExtractionCompletePayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		b.sendError(p, env.RequestID, "malformed extraction completion")
		return
	}
	if pl.Text != "" {
		if err := b.cfg.Store.SaveContent(pl.Identifier, pl.Title, pl.Text, pl.TurnCount); err != nil {
			logging.Bridge("persist extraction for %s failed: %v", pl.Identifier, err)
		}
	}
	b.notifyExtraction(pl.Identifier)
	_ = p.send(Envelope{Type: TypeAck, RequestID: env.RequestID})
}

func (b *Bridge) sendError(p *peer, requestID, msg string) {
	_ = p.send(Envelope{
		Type:      TypeError,
		RequestID: requestID,
		Payload:   mustMarshal(ErrorPayload{Message: msg}),
	})
}

func (b *Bridge) dropPeer(p *peer) {
	b.mu.Lock()
	if b.page == p {
		b.page = nil
		logging.Bridge("visible page disconnected")
	}
	b.mu.Unlock()
}

func (b *Bridge) currentPage() *peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

// Available reports whether a visible page collaborator is connected. The
// queue uses this to decide whether discovery jobs are eligible.
func (b *Bridge) Available() bool {
	return b.currentPage() != nil
}

// LocateAndNavigate asks the visible page to find a chat by title, navigate
// to it, and report the real thread id.
func (b *Bridge) LocateAndNavigate(ctx context.Context, surrogateID, title string) (string, error) {
	p := b.currentPage()
	if p == nil {
		return "", ErrNoVisiblePage
	}
	requestID := uuid.NewString()
	resp, err := b.cfg.Registry.Send(ctx, requestID, nil, func(id string, _ interface{}) error {
		return p.send(Envelope{
			Type:      TypeLocateAndNavigate,
			RequestID: id,
			Payload:   mustMarshal(LocatePayload{SurrogateID: surrogateID, Title: title}),
		})
	})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("locate failed: %s", resp.Err)
	}
	return resp.RealID, nil
}

// AwaitExtraction blocks until the page reports extraction finished for the
// identifier, or ctx is done.
func (b *Bridge) AwaitExtraction(ctx context.Context, identifier string) error {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters[identifier] = append(b.waiters[identifier], ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.removeWaiter(identifier, ch)
		return ctx.Err()
	}
}

func (b *Bridge) notifyExtraction(identifier string) {
	b.mu.Lock()
	chans := b.waiters[identifier]
	delete(b.waiters, identifier)
	b.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (b *Bridge) removeWaiter(identifier string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.waiters[identifier]
	for i, c := range chans {
		if c == ch {
			b.waiters[identifier] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(b.waiters[identifier]) == 0 {
		delete(b.waiters, identifier)
	}
}
