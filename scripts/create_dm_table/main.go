// Creates the messaging keyspace and tables. The messaging worker also
// does this on startup; this exists for setting up a cluster without
// running the services.
package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/mahaj/erp-messenger/pkg/db"
)

func main() {
	_ = godotenv.Load()

	hosts := db.HostsFromEnv()
	if err := db.EnsureKeyspace(hosts); err != nil {
		log.Fatalf("Failed to create keyspace: %v", err)
	}

	session, err := db.NewSession(hosts, db.Keyspace)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer session.Close()

	if err := db.EnsureSchema(session); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	log.Println("Schema created.")
}
