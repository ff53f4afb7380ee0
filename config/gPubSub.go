package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// CardEventMessage is the payload published for every committed card stage change.
// Order generation and notifications subscribe to it.
type CardEventMessage struct {
	ID             int       `json:"id"`
	TenantId       string    `json:"tenant_id"`
	CardId         string    `json:"card_id"`
	LoopId         string    `json:"loop_id"`
	EventType      string    `json:"event_type"`
	FromStage      string    `json:"from_stage"`
	ToStage        string    `json:"to_stage"`
	OccurredAt     time.Time `json:"occurred_at"`
	Payload        []byte    `json:"payload"`
	CorrelationId  string    `json:"correlation_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// GetPubSubClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++
		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sleep := RetrySleep(attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		time.Sleep(sleep)
	}
}

// PublishCardEventWithResult publishes and returns the Pub/Sub server-assigned message ID.
// Messages are ordered per card so a consumer never sees "ordered" before "triggered".
func PublishCardEventWithResult(ctx context.Context, msg CardEventMessage) (string, error) {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	topicName := os.Getenv("PUBSUB_CARD_EVENTS_TOPIC")
	if topicName == "" {
		return "", errors.New("PUBSUB_CARD_EVENTS_TOPIC is required")
	}

	t := client.Topic(topicName)
	t.EnableMessageOrdering = true
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: msg.CardId,
		Attributes: map[string]string{
			"tenant_id":  msg.TenantId,
			"event_type": msg.EventType,
			"to_stage":   msg.ToStage,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		// An ordering key stays paused after a failed publish until resumed.
		t.ResumePublish(msg.CardId)
	}
	return id, err
}
