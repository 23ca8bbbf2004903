// Drops the messaging tables. Destructive; local development only.
package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/mahaj/erp-messenger/pkg/db"
)

func main() {
	_ = godotenv.Load()

	session, err := db.NewSession(db.HostsFromEnv(), db.Keyspace)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer session.Close()

	for _, table := range []string{"messages", "user_conversations", "conversation_counters", "users"} {
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			log.Fatalf("Failed to drop %s: %v", table, err)
		}
		log.Printf("Dropped %s", table)
	}
}
