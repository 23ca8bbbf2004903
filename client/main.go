package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/mahaj/erp-messenger/pkg/api"
	"github.com/mahaj/erp-messenger/pkg/conn"
	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/store"
	"github.com/mahaj/erp-messenger/pkg/views"
)

// toastNotifier prints connection and action failures the way the web
// client would toast them.
type toastNotifier struct{}

func (toastNotifier) Notify(msg string) {
	fmt.Printf("\r[!] %s\n> ", msg)
}

// cliSession force-quits on auth invalidation, the terminal equivalent
// of the web client's forced logout.
type cliSession struct {
	once sync.Once
	quit chan struct{}
}

func (s *cliSession) Invalidate() {
	fmt.Println("\rSession invalidated; logging out.")
	s.shutdown()
}

func (s *cliSession) shutdown() {
	s.once.Do(func() { close(s.quit) })
}

// emitterProxy breaks the store<->manager construction cycle.
type emitterProxy struct {
	m *conn.Manager
}

func (e *emitterProxy) EmitSend(msg model.Message)            { e.m.EmitSend(msg) }
func (e *emitterProxy) EmitMarkRead(peerID string)            { e.m.EmitMarkRead(peerID) }
func (e *emitterProxy) EmitTyping(peerID string, typing bool) { e.m.EmitTyping(peerID, typing) }
func (e *emitterProxy) EmitDelete(messageID, peerID string)   { e.m.EmitDelete(messageID, peerID) }

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	gatewayAddr := flag.String("gateway", "ws://localhost:8080/ws", "gateway websocket url")
	userID := flag.String("user", "user1", "user id")
	name := flag.String("name", "", "display name")
	email := flag.String("email", "", "email")
	department := flag.String("dept", "", "department")
	flag.Parse()

	restClient := api.NewClient(*apiAddr)
	notifier := toastNotifier{}
	session := &cliSession{quit: make(chan struct{})}

	log.Printf("Logging in as %s...", *userID)
	token, err := restClient.Login(context.Background(), model.User{
		ID:         *userID,
		Name:       *name,
		Email:      *email,
		Department: *department,
	})
	if err != nil {
		log.Fatal("Login failed: ", err)
	}
	log.Printf("Login successful. Token: %s...", token[:10])

	emitter := &emitterProxy{}
	st := store.New(*userID, restClient, emitter, notifier, store.DefaultOptions())

	opts := conn.Options{GatewayURL: *gatewayAddr}
	opts.OnReconnect = func() {
		if err := st.LoadConversations(context.Background()); err != nil {
			log.Printf("resync failed: %v", err)
		}
	}
	manager := conn.NewManager(opts, st, session, notifier)
	emitter.m = manager

	if err := manager.Connect(token, *userID); err != nil {
		log.Fatal("Connect failed: ", err)
	}
	defer manager.Disconnect()

	thread := views.NewThread(st, manager, nil)
	defer thread.Close()
	list := views.NewConversationList(st, nil)
	defer list.Close()

	// Print incoming messages on the active thread as they land.
	unsub := st.Subscribe(func() {
		msgs := thread.Messages()
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		if last.SenderID == thread.ActivePeer() {
			fmt.Printf("\r%s: %s\n> ", last.SenderID, last.Content)
		}
	})
	defer unsub()

	if err := st.LoadConversations(context.Background()); err != nil {
		log.Printf("initial load failed: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go repl(st, thread, list, session)

	select {
	case <-interrupt:
	case <-session.quit:
	}
}

// formatMessage renders one thread line. Delivery badges only apply to
// our own messages; inbound ones print bare.
func formatMessage(m model.Message, peerID string) string {
	if m.SenderID == peerID {
		return fmt.Sprintf("  %s: %s", m.SenderID, m.Content)
	}
	return fmt.Sprintf("  [%s] %s: %s", m.Status, m.SenderID, m.Content)
}

func repl(st *store.Store, thread *views.Thread, list *views.ConversationList, session *cliSession) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case line == "/quit":
			session.shutdown()
			return

		case line == "/list":
			for _, c := range list.Visible() {
				marker := " "
				if st.IsOnline(c.Peer.ID) {
					marker = "*"
				}
				fmt.Printf("%s %-12s unread=%d  %s\n", marker, c.Peer.ID, c.UnreadCount, c.LastMessage)
			}
			fmt.Printf("total unread: %d\n", list.UnreadBadge())

		case strings.HasPrefix(line, "/find "):
			list.SetFilter(strings.TrimPrefix(line, "/find "))
			for _, c := range list.Visible() {
				fmt.Printf("  %-12s %s\n", c.Peer.ID, c.LastMessage)
			}
			list.SetFilter("")

		case strings.HasPrefix(line, "/open "):
			peer := strings.TrimPrefix(line, "/open ")
			if err := thread.SetActive(context.Background(), peer); err != nil {
				fmt.Println("open failed:", err)
				break
			}
			for _, m := range thread.Messages() {
				fmt.Println(formatMessage(m, peer))
			}

		case strings.HasPrefix(line, "/del "):
			id := strings.TrimPrefix(line, "/del ")
			if err := st.DeleteMessage(context.Background(), id); err != nil {
				fmt.Println("delete failed:", err)
			}

		case line == "/online":
			fmt.Println(strings.Join(st.OnlineUsers(), ", "))

		default:
			if thread.ActivePeer() == "" {
				fmt.Println("no active conversation; /open <user> first")
				break
			}
			thread.Compose(line)
			thread.Send(line, "")
		}
		fmt.Print("> ")
	}
}
