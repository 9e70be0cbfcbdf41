package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatdex/internal/bridge"
	"chatdex/internal/config"
	"chatdex/internal/store"
)

// initCmd writes a starter config
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize chatdex in the current workspace",
	Long: `Creates the .chatdex/ directory with a default config.yaml.

Edit target.base_url to point at the chat application before running serve.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Initialized chatdex config at %s\n", path)
	return nil
}

// indexCmd submits an indexing job to a running core
var indexCmd = &cobra.Command{
	Use:   "index [title]",
	Short: "Queue a chat for indexing",
	Long: `Submits one indexing job to a running chatdex core over the bridge.

With --id the chat's real identifier is known and a background surface is
opened directly. Without it a surrogate identifier is minted and the job
waits for a visible page to discover the real one.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

var indexChatID string

func runIndex(cmd *cobra.Command, args []string) error {
	ws, err := dialBridge()
	if err != nil {
		return err
	}
	defer ws.Close()

	reqID := uuid.NewString()
	if err := writeEnvelope(ws, bridge.Envelope{
		Type:      bridge.TypeIndexRequest,
		RequestID: reqID,
		Payload:   marshal(bridge.IndexRequestPayload{Identifier: indexChatID, Title: args[0]}),
	}); err != nil {
		return err
	}

	env, err := readReply(ws, reqID, 10*time.Second)
	if err != nil {
		return err
	}
	var ack bridge.IndexAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return fmt.Errorf("malformed ack: %w", err)
	}
	if ack.Queued {
		fmt.Printf("Queued %s\n", ack.Identifier)
	} else {
		fmt.Printf("Already queued: %s\n", ack.Identifier)
	}
	return nil
}

// chatCmd sends one message into a folder's conversation
var chatCmd = &cobra.Command{
	Use:   "chat [folder-id] [message]",
	Short: "Send a message into a folder's conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runChat,
}

var chatTimeout time.Duration

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	folderID := args[0]
	message := strings.Join(args[1:], " ")

	// Folder context comes from the local database; the core injects it on
	// the first message of a fresh session.
	folderContext := ""
	if st, err := store.New(cfg.Storage.DatabasePath); err == nil {
		if f, ok, err := folderByID(st, folderID); err == nil && ok {
			folderContext = f.Context
		}
		st.Close()
	}

	ws, err := dialBridge()
	if err != nil {
		return err
	}
	defer ws.Close()

	reqID := uuid.NewString()
	if err := writeEnvelope(ws, bridge.Envelope{
		Type:      bridge.TypeChatSendRequest,
		RequestID: reqID,
		Payload: marshal(bridge.ChatSendPayload{
			ThreadKey:     folderID,
			Message:       message,
			FolderContext: folderContext,
		}),
	}); err != nil {
		return err
	}

	env, err := readReply(ws, reqID, chatTimeout)
	if err != nil {
		return err
	}
	var resp bridge.ChatSendResponsePayload
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("exchange failed: %s", resp.Error)
	}
	fmt.Println(resp.Reply)
	if resp.ThreadID != "" {
		logger.Debug("thread resolved", zap.String("thread_id", resp.ThreadID))
	}
	return nil
}

// statusCmd prints the organizational state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexed chats and folders",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.GetSnapshot()
	if err != nil {
		return err
	}

	fmt.Printf("Chats: %d  Folders: %d\n\n", len(snap.Chats), len(snap.Folders))
	for _, f := range snap.Folders {
		fmt.Printf("  %s (%s): %d chats\n", f.Name, f.ID, len(snap.Members[f.ID]))
	}
	if len(snap.Folders) > 0 {
		fmt.Println()
	}

	chats := append([]store.Chat(nil), snap.Chats...)
	sort.Slice(chats, func(i, j int) bool { return chats[i].UpdatedAt.After(chats[j].UpdatedAt) })
	for _, c := range chats {
		pin := " "
		if c.Pinned {
			pin = "*"
		}
		surrogate := ""
		if strings.HasPrefix(c.ID, cfg.Reconcile.SurrogatePrefix) {
			surrogate = " (pending discovery)"
		}
		fmt.Printf("  %s %-40s %s  %d turns%s\n", pin, c.Title, c.ID, c.TurnCount, surrogate)
	}
	return nil
}

// foldersCmd manages folders in the local database
var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage folders",
}

var foldersCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runFoldersCreate,
}

var folderContextFlag string

var foldersAddCmd = &cobra.Command{
	Use:   "add [folder-id] [chat-id]",
	Short: "Add a chat to a folder",
	Args:  cobra.ExactArgs(2),
	RunE:  runFoldersAdd,
}

var foldersRemoveCmd = &cobra.Command{
	Use:   "remove [folder-id] [chat-id]",
	Short: "Remove a chat from a folder",
	Args:  cobra.ExactArgs(2),
	RunE:  runFoldersRemove,
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Storage.DatabasePath)
}

func runFoldersCreate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	f := store.Folder{
		ID:        uuid.NewString(),
		Name:      args[0],
		Workspace: workspace,
		Context:   folderContextFlag,
	}
	if err := st.Update(func(tx *store.Tx) error { return tx.CreateFolder(f) }); err != nil {
		return err
	}
	fmt.Printf("Created folder %s (%s)\n", f.Name, f.ID)
	return nil
}

func runFoldersAdd(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Update(func(tx *store.Tx) error { return tx.AddChatToFolder(args[0], args[1]) })
}

func runFoldersRemove(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Update(func(tx *store.Tx) error { return tx.RemoveChatFromFolder(args[0], args[1]) })
}

func folderByID(st *store.Store, id string) (store.Folder, bool, error) {
	var f store.Folder
	var ok bool
	err := st.View(func(tx *store.Tx) error {
		var err error
		f, ok, err = tx.GetFolder(id)
		return err
	})
	return f, ok, err
}

// dialBridge connects to a running core and announces itself as a UI peer.
func dialBridge() (*websocket.Conn, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	url := "ws://" + cfg.Bridge.ListenAddr + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("is the core running? dial %s: %w", url, err)
	}
	if err := writeEnvelope(ws, bridge.Envelope{
		Type:    bridge.TypeHello,
		Payload: marshal(bridge.HelloPayload{Role: bridge.RoleUI}),
	}); err != nil {
		ws.Close()
		return nil, err
	}
	if _, err := readReply(ws, "", 5*time.Second); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

func writeEnvelope(ws *websocket.Conn, env bridge.Envelope) error {
	return ws.WriteJSON(env)
}

// readReply waits for the envelope answering requestID, skipping unrelated
// traffic. An empty requestID accepts the first message.
func readReply(ws *websocket.Conn, requestID string, timeout time.Duration) (bridge.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ws.SetReadDeadline(deadline); err != nil {
			return bridge.Envelope{}, err
		}
		var env bridge.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return bridge.Envelope{}, err
		}
		if requestID == "" || env.RequestID == requestID {
			if env.Type == bridge.TypeError {
				var pl bridge.ErrorPayload
				_ = json.Unmarshal(env.Payload, &pl)
				return env, fmt.Errorf("bridge error: %s", pl.Message)
			}
			return env, nil
		}
	}
}

func marshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func init() {
	indexCmd.Flags().StringVar(&indexChatID, "id", "", "real chat identifier, when known")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 10*time.Minute, "how long to wait for the reply")
	foldersCreateCmd.Flags().StringVar(&folderContextFlag, "context", "", "folder context injected into new conversations")
	foldersCmd.AddCommand(foldersCreateCmd)
	foldersCmd.AddCommand(foldersAddCmd)
	foldersCmd.AddCommand(foldersRemoveCmd)
}
