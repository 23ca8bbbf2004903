// Smoke-checks the API service: logs two users in, sends a message and
// confirms it shows up in the recipient's conversation list.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/mahaj/erp-messenger/pkg/api"
	"github.com/mahaj/erp-messenger/pkg/model"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	flag.Parse()

	ctx := context.Background()

	alice := api.NewClient(*apiAddr)
	if _, err := alice.Login(ctx, model.User{ID: "verify-alice", Name: "Alice", Email: "alice@example.com"}); err != nil {
		log.Fatalf("alice login: %v", err)
	}
	bob := api.NewClient(*apiAddr)
	if _, err := bob.Login(ctx, model.User{ID: "verify-bob", Name: "Bob", Email: "bob@example.com"}); err != nil {
		log.Fatalf("bob login: %v", err)
	}

	sent, err := alice.Send(ctx, "verify-bob", "ping from verify_api", "", "verify-corr-1")
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	log.Printf("sent message %s", sent.ID)

	// The pipeline persists asynchronously; give it a moment.
	time.Sleep(2 * time.Second)

	convs, err := bob.Conversations(ctx)
	if err != nil {
		log.Fatalf("conversations: %v", err)
	}
	for _, c := range convs {
		if c.Peer.ID == "verify-alice" {
			log.Printf("OK: bob sees conversation with alice (unread=%d, last=%q)", c.UnreadCount, c.LastMessage)
			return
		}
	}
	log.Fatal("FAIL: bob does not see the conversation with alice")
}
