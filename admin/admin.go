package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/relayq/relayq-go/contracts"
	"github.com/relayq/relayq-go/internal/broker"
)

// Admin issues administrative request/response calls against the
// broker control plane. Every call is routed through the connection
// manager and therefore through its retry policy.
type Admin struct {
	conn   *broker.ConnectionManager
	logger *slog.Logger
}

// Option configures the Admin
type Option func(*Admin)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Admin) {
		a.logger = logger
	}
}

// New creates an Admin over conn.
func New(conn *broker.ConnectionManager, options ...Option) *Admin {
	a := &Admin{
		conn:   conn,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// TopicConfig describes a topic to create.
type TopicConfig struct {
	Name              string `json:"name"`
	Partitions        int    `json:"partitions"`
	ReplicationFactor int    `json:"replicationFactor"`
	RetentionMs       int64  `json:"retentionMs,omitempty"`
}

// TopicInfo describes an existing topic.
type TopicInfo struct {
	Name              string `json:"name"`
	Partitions        int    `json:"partitions"`
	ReplicationFactor int    `json:"replicationFactor"`
	MessageCount      int64  `json:"messageCount"`
}

// GroupInfo describes a consumer group.
type GroupInfo struct {
	Name    string   `json:"name"`
	Members int      `json:"members"`
	Topics  []string `json:"topics"`
	Lag     int64    `json:"lag"`
}

// CreateTopic creates a topic on the broker.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	if cfg.Name == "" {
		return contracts.NewError(contracts.KindConfiguration, "create topic",
			fmt.Errorf("topic name must not be empty"))
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return contracts.NewError(contracts.KindSerialization, "create topic", err)
	}

	resp, err := a.conn.Send(ctx, broker.Request{
		Method: http.MethodPost,
		Path:   "/topics",
		Body:   body,
	})
	if err != nil {
		return err
	}
	if err := statusError("create topic", resp); err != nil {
		return err
	}

	a.logger.Info("topic created", "topic", cfg.Name, "partitions", cfg.Partitions)
	return nil
}

// DescribeTopic fetches topic metadata.
func (a *Admin) DescribeTopic(ctx context.Context, name string) (*TopicInfo, error) {
	resp, err := a.conn.Send(ctx, broker.Request{
		Method: http.MethodGet,
		Path:   "/topics/" + url.PathEscape(name),
	})
	if err != nil {
		return nil, err
	}
	if err := statusError("describe topic", resp); err != nil {
		return nil, err
	}

	var info TopicInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, contracts.NewError(contracts.KindSerialization, "describe topic", err)
	}
	return &info, nil
}

// ListTopics fetches all topic metadata.
func (a *Admin) ListTopics(ctx context.Context) ([]TopicInfo, error) {
	resp, err := a.conn.Send(ctx, broker.Request{
		Method: http.MethodGet,
		Path:   "/topics",
	})
	if err != nil {
		return nil, err
	}
	if err := statusError("list topics", resp); err != nil {
		return nil, err
	}

	var topics []TopicInfo
	if err := json.Unmarshal(resp.Body, &topics); err != nil {
		return nil, contracts.NewError(contracts.KindSerialization, "list topics", err)
	}
	return topics, nil
}

// DeleteTopic removes a topic from the broker.
func (a *Admin) DeleteTopic(ctx context.Context, name string) error {
	resp, err := a.conn.Send(ctx, broker.Request{
		Method: http.MethodDelete,
		Path:   "/topics/" + url.PathEscape(name),
	})
	if err != nil {
		return err
	}
	return statusError("delete topic", resp)
}

// DescribeGroup fetches consumer group metadata.
func (a *Admin) DescribeGroup(ctx context.Context, name string) (*GroupInfo, error) {
	resp, err := a.conn.Send(ctx, broker.Request{
		Method: http.MethodGet,
		Path:   "/groups/" + url.PathEscape(name),
	})
	if err != nil {
		return nil, err
	}
	if err := statusError("describe group", resp); err != nil {
		return nil, err
	}

	var info GroupInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, contracts.NewError(contracts.KindSerialization, "describe group", err)
	}
	return &info, nil
}

// statusError maps non-2xx control-plane responses onto the error
// taxonomy.
func statusError(op string, resp *broker.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	cause := fmt.Errorf("status %d: %s", resp.StatusCode, apiMessage(resp.Body))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return contracts.NewError(contracts.KindAuthentication, op, cause)
	case http.StatusForbidden:
		return contracts.NewError(contracts.KindAuthorization, op, cause)
	case http.StatusNotFound:
		return contracts.NewError(contracts.KindTopicNotFound, op, cause)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return contracts.NewError(contracts.KindTimeout, op, cause)
	case http.StatusBadRequest:
		return contracts.NewError(contracts.KindConfiguration, op, cause)
	default:
		return contracts.NewError(contracts.KindConnection, op, cause)
	}
}

func apiMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "no error detail"
}
