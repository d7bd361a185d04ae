package trace

import (
	"encoding/json"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Action identifies which side of the broker a trace record was captured on.
type Action string

const (
	ActionPublish Action = "publish"
	ActionDeliver Action = "deliver"
)

// UnknownTarget is used when a trace routing key carries no target segment.
const UnknownTarget = "unknown"

// Event is one normalized broker trace record. The trace routing key has the
// shape "publish.<exchange>" or "deliver.<queue>"; the second segment names
// the target the traced message hit.
type Event struct {
	OccurredAt time.Time              `json:"timestamp"`
	Action     Action                 `json:"action"`
	Target     string                 `json:"target"`
	RoutingKey string                 `json:"routing_key"`
	Exchange   string                 `json:"exchange"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
	BodySize   int                    `json:"body_size"`
	Body       interface{}            `json:"body"`
}

// Normalize converts a raw trace delivery into an Event. It fails only when
// the routing key carries no recognizable action segment; a payload that is
// not well-formed JSON is kept as raw text, never an error.
func Normalize(d amqp.Delivery) (Event, error) {
	segments := strings.SplitN(d.RoutingKey, ".", 2)
	if len(segments) == 0 || segments[0] == "" {
		return Event{}, &NormalizeError{RoutingKey: d.RoutingKey, Reason: "missing routing key"}
	}

	var action Action
	switch segments[0] {
	case string(ActionPublish):
		action = ActionPublish
	case string(ActionDeliver):
		action = ActionDeliver
	default:
		return Event{}, &NormalizeError{RoutingKey: d.RoutingKey, Reason: "unrecognized action segment"}
	}

	target := UnknownTarget
	if len(segments) == 2 && segments[1] != "" {
		target = segments[1]
	}

	occurredAt := d.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	ev := Event{
		OccurredAt: occurredAt,
		Action:     action,
		Target:     target,
		RoutingKey: d.RoutingKey,
		Exchange:   exchangeName(d),
		Headers:    normalizeHeaders(d.Headers),
		BodySize:   len(d.Body),
	}

	var decoded interface{}
	if err := json.Unmarshal(d.Body, &decoded); err == nil {
		ev.Body = decoded
	} else {
		ev.Body = string(d.Body)
	}

	return ev, nil
}

// exchangeName prefers the traced message's original exchange, carried by the
// broker in the exchange_name header, over the trace exchange itself.
func exchangeName(d amqp.Delivery) string {
	if name, ok := d.Headers["exchange_name"].(string); ok && name != "" {
		return name
	}
	return d.Exchange
}

func normalizeHeaders(table amqp.Table) map[string]interface{} {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string]interface{}, len(table))
	for key, value := range table {
		headers[key] = normalizeHeaderValue(value)
	}
	return headers
}

// normalizeHeaderValue flattens nested AMQP tables and arrays so the result
// is plain JSON-marshalable data.
func normalizeHeaderValue(value interface{}) interface{} {
	switch v := value.(type) {
	case amqp.Table:
		nested := make(map[string]interface{}, len(v))
		for key, inner := range v {
			nested[key] = normalizeHeaderValue(inner)
		}
		return nested
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, inner := range v {
			items[i] = normalizeHeaderValue(inner)
		}
		return items
	case []byte:
		return string(v)
	default:
		return v
	}
}
