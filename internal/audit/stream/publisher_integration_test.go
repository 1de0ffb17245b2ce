//go:build integration

package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"auditvault/internal/audit/models"
	"auditvault/internal/audit/stream"
	"auditvault/internal/platform/config"
	"auditvault/internal/platform/kafka"
	"auditvault/pkg/testutil/containers"
)

type KafkaPublisherSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
	client   *kgo.Client
	topic    string
}

func TestKafkaPublisherSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaPublisherSuite))
}

func (s *KafkaPublisherSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
	s.topic = "audit.flagged.it"

	client, err := kafka.NewClient(config.Kafka{Brokers: s.redpanda.Brokers, FlagTopic: s.topic})
	s.Require().NoError(err)
	s.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Require().NoError(kafka.EnsureTopic(ctx, client, s.topic, 1, 1))
	// Second call must tolerate the existing topic.
	s.Require().NoError(kafka.EnsureTopic(ctx, client, s.topic, 1, 1))
}

func (s *KafkaPublisherSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *KafkaPublisherSuite) TestFlaggedEventIsConsumable() {
	e := models.Event{
		ActorID:  "alice",
		Action:   models.ActionAccessDenied,
		Severity: models.SeverityCritical,
		Flagged:  true,
		Checksum: "sha256:feed",
	}
	p := stream.NewKafkaPublisher(s.client, s.topic)
	p.PublishFlagged(context.Background(), e)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Brokers...),
		kgo.ConsumeTopics(s.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(ctx)
	s.Require().Empty(fetches.Errors())

	records := fetches.Records()
	s.Require().NotEmpty(records)
	s.Equal("alice", string(records[0].Key))

	var got models.Event
	s.Require().NoError(json.Unmarshal(records[0].Value, &got))
	s.Equal(models.SeverityCritical, got.Severity)
	s.Equal("sha256:feed", got.Checksum)
}
