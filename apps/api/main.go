package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/erp-messenger/pkg/auth"
	"github.com/mahaj/erp-messenger/pkg/db"
	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/snowflake"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all for dev, or specific origin
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeEnvelope emits the uniform {success, message, data} response body.
func writeEnvelope(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.Response{Success: success, Message: message, Data: data})
}

func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, true, "ok", data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, false, message, nil)
}

type server struct {
	db        *db.Session
	redis     *redis.Client
	producer  *kafka.Writer
	snowflake *snowflake.Node
}

func main() {
	_ = godotenv.Load()
	log.SetPrefix("[api] ")

	session, err := db.NewSession(db.HostsFromEnv(), db.Keyspace)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	kafkaBrokersStr := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokersStr == "" {
		kafkaBrokersStr = "localhost:19092"
	}
	kafkaTopic := os.Getenv("KAFKA_TOPIC")
	if kafkaTopic == "" {
		kafkaTopic = "messaging-events"
	}
	producer := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(kafkaBrokersStr, ",")...),
		Topic:    kafkaTopic,
		Balancer: &kafka.LeastBytes{},
	}
	defer producer.Close()

	node, err := snowflake.NewNodeFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize snowflake node: %v", err)
	}

	s := &server{db: session, redis: rdb, producer: producer, snowflake: node}

	r := mux.NewRouter()
	r.Use(CORSMiddleware)

	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)

	protected := r.NewRoute().Subrouter()
	protected.Use(auth.Middleware)
	protected.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	protected.HandleFunc("/conversations", s.handleConversations).Methods(http.MethodGet)
	protected.HandleFunc("/conversations/read", s.handleMarkRead).Methods(http.MethodPatch)
	protected.HandleFunc("/messages", s.handleSend).Methods(http.MethodPost)
	protected.HandleFunc("/messages/{id}", s.handleDelete).Methods(http.MethodDelete)
	protected.HandleFunc("/users/online", s.handleOnlineUsers).Methods(http.MethodGet)
	protected.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet)

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	log.Printf("API Service Starting on %s...", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal(err)
	}
}
