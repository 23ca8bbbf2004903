package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mahaj/erp-messenger/pkg/db"
)

func main() {
	_ = godotenv.Load()
	log.SetPrefix("[messaging] ")

	kafkaBrokersStr := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokersStr == "" {
		kafkaBrokersStr = "localhost:19092"
	}
	brokers := strings.Split(kafkaBrokersStr, ",")

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "messaging-events"
	}
	groupID := "messaging-service-group"

	hosts := db.HostsFromEnv()
	if err := db.EnsureKeyspace(hosts); err != nil {
		log.Fatalf("Failed to create keyspace: %v", err)
	}

	session, err := db.NewSession(hosts, db.Keyspace)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	if err := db.EnsureSchema(session); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	consumer := NewConsumer(brokers, topic, groupID, session)
	defer consumer.Close()

	log.Println("Starting Kafka Consumer...")
	consumer.Consume(context.Background())
}
