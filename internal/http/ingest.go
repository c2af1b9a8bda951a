package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/mjafarpour/orderflow/internal/metrics"
	"github.com/mjafarpour/orderflow/internal/model"
)

// eventPublisher is what the handler needs from the Kafka producer.
type eventPublisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// acceptCache is what the handler needs from the Redis accept-cache.
type acceptCache interface {
	Seen(ctx context.Context, eventID string) bool
	MarkAccepted(ctx context.Context, eventID string)
}

// ingestHandler accepts an order event and publishes it to the topic,
// keyed by event_id. The gateway is a pure producer: a 202 means the
// broker acknowledged the write, nothing more. Exactly-once is the
// consumer's job.
//
// The accept-cache is marked only after the broker ack. A failed publish
// leaves no mark, so the client's retry after a 500 always reaches the
// topic. Concurrent duplicates racing between publish and mark both get
// published; the consumer's claim absorbs that.
func ingestHandler(producer eventPublisher, cache acceptCache) echo.HandlerFunc {
	return func(c echo.Context) error {
		var ev model.OrderEvent
		if err := c.Bind(&ev); err != nil {
			metrics.IngestTotal.WithLabelValues("invalid").Inc()
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "malformed payload"})
		}

		if err := ev.Validate(); err != nil {
			metrics.IngestTotal.WithLabelValues("invalid").Inc()
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		}

		// Recently accepted? Skip the re-publish; the ack contract is the
		// same either way.
		if cache.Seen(c.Request().Context(), ev.EventID) {
			metrics.IngestTotal.WithLabelValues("duplicate").Inc()
			return c.JSON(http.StatusAccepted, map[string]any{
				"status":   "accepted",
				"event_id": ev.EventID,
			})
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			log.Errorf("marshal event: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}

		if err := producer.Publish(c.Request().Context(), []byte(ev.EventID), payload); err != nil {
			metrics.IngestTotal.WithLabelValues("publish_error").Inc()
			log.Errorf("publish event %s: %v", ev.EventID, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "publish failed"})
		}

		cache.MarkAccepted(c.Request().Context(), ev.EventID)

		metrics.IngestTotal.WithLabelValues("accepted").Inc()
		return c.JSON(http.StatusAccepted, map[string]any{
			"status":   "accepted",
			"event_id": ev.EventID,
		})
	}
}
