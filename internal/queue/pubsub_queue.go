package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// PubSub publishes catalog items to a Google Cloud Pub/Sub topic consumed by
// the external worker fleet.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

var _ catalog.Queue = (*PubSub)(nil)

// NewPubSub creates a Pub/Sub queue, verifying the topic exists up front.
func NewPubSub(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSub{client: client, topic: topic, logger: logger}, nil
}

// EnqueueItems publishes one message per item and waits for server acks; a
// lost publish surfaces here rather than as a silently stale item later.
func (q *PubSub) EnqueueItems(ctx context.Context, items []catalog.QueuedItem) error {
	results := make([]*pubsub.PublishResult, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal queued item %s: %w", item.ID, err)
		}
		results = append(results, q.topic.Publish(ctx, &pubsub.Message{Data: data}))
	}
	for i, result := range results {
		if _, err := result.Get(ctx); err != nil {
			return fmt.Errorf("publish item %s: %w", items[i].ID, err)
		}
	}
	return nil
}

// Enabled reports true.
func (*PubSub) Enabled() bool { return true }

// Client exposes the underlying Pub/Sub client so other publishers can share
// the connection.
func (q *PubSub) Client() *pubsub.Client { return q.client }

// Close flushes pending publishes and closes the client.
func (q *PubSub) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// enrichmentPayload mirrors the contract with the enrichment pipeline.
type enrichmentPayload struct {
	Scope      string      `json:"scope"`
	BrandID    uuid.UUID   `json:"brand_id"`
	ProductIDs []uuid.UUID `json:"product_ids"`
}

// PubSubEnrichment hands net-new products to the enrichment pipeline's topic.
type PubSubEnrichment struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

var _ catalog.EnrichmentQueue = (*PubSubEnrichment)(nil)

// NewPubSubEnrichment creates an enrichment publisher on an existing client.
func NewPubSubEnrichment(client *pubsub.Client, topicID string, logger *zap.Logger) *PubSubEnrichment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubEnrichment{topic: client.Topic(topicID), logger: logger}
}

// EnqueueBrandProducts publishes one message scoping enrichment to the brand's
// newly created products.
func (q *PubSubEnrichment) EnqueueBrandProducts(ctx context.Context, brandID uuid.UUID, productIDs []uuid.UUID) error {
	data, err := json.Marshal(enrichmentPayload{
		Scope:      "brand",
		BrandID:    brandID,
		ProductIDs: productIDs,
	})
	if err != nil {
		return fmt.Errorf("marshal enrichment payload: %w", err)
	}
	if _, err := q.topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		return fmt.Errorf("publish enrichment batch for brand %s: %w", brandID, err)
	}
	q.logger.Debug("enrichment batch published",
		zap.String("brand_id", brandID.String()),
		zap.Int("products", len(productIDs)),
	)
	return nil
}
