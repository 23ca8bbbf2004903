package db

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

const Keyspace = "erp_messaging"

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	log.Println("Connected to ScyllaDB cluster")
	return &Session{Session: session}, nil
}

// HostsFromEnv reads SCYLLA_HOSTS (comma separated), defaulting to
// localhost:9042.
func HostsFromEnv() []string {
	hostsStr := os.Getenv("SCYLLA_HOSTS")
	if hostsStr == "" {
		hostsStr = "localhost:9042"
	}
	return strings.Split(hostsStr, ",")
}

// EnsureKeyspace connects to the system keyspace and creates the
// application keyspace if missing. Schema creation belongs in migration
// tooling for production; this keeps local setups one-command.
func EnsureKeyspace(hosts []string) error {
	sysSession, err := NewSession(hosts, "system")
	if err != nil {
		return err
	}
	defer sysSession.Close()

	return sysSession.Query(`CREATE KEYSPACE IF NOT EXISTS ` + Keyspace +
		` WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`).Exec()
}

// EnsureSchema creates the messaging tables if they do not exist.
func EnsureSchema(s *Session) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_key text,
			id bigint,
			correlation_id text,
			sender_id text,
			recipient_id text,
			content text,
			document_id text,
			created_at timestamp,
			is_read boolean,
			read_at timestamp,
			active boolean,
			PRIMARY KEY (conversation_key, id)
		) WITH CLUSTERING ORDER BY (id DESC)`,

		`CREATE TABLE IF NOT EXISTS user_conversations (
			user_id text,
			other_user_id text,
			last_updated timestamp,
			last_message text,
			PRIMARY KEY (user_id, other_user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_counters (
			user_id text,
			other_user_id text,
			unread_count counter,
			PRIMARY KEY (user_id, other_user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			user_id text PRIMARY KEY,
			name text,
			email text,
			department text,
			avatar_url text,
			last_seen timestamp
		)`,
	}

	for _, q := range ddl {
		if err := s.Query(q).Exec(); err != nil {
			return err
		}
	}
	return nil
}
