package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-advent/internal/config"
	"ms-advent/internal/logger"
	"ms-advent/internal/models"
)

// Producer streams draw events. In mock mode (and whenever the writer is
// nil) events are logged instead of written, so local development does not
// need a broker.
type Producer struct {
	Writer *kafka.Writer
	Topics config.TopicConfig
	Mock   bool
	Logger *logger.Logger
}

func NewProducer(cfg config.KafkaConfig, log *logger.Logger) *Producer {
	p := &Producer{
		Topics: cfg.Topics,
		Mock:   cfg.MockMode,
		Logger: log,
	}
	if cfg.MockMode {
		return p
	}
	p.Writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return p
}

// PublishRewardIssued streams a reward-issued event.
func (p *Producer) PublishRewardIssued(reward models.Reward) error {
	// Do not leak the credential or the image onto the bus.
	reward.RedemptionToken = ""
	reward.QRCode = nil
	return p.publish(p.Topics.RewardIssued, reward.RewardID, reward)
}

// PublishDoorOpened streams a door-opened event.
func (p *Producer) PublishDoorOpened(rec models.Participation) error {
	return p.publish(p.Topics.DoorOpened, fmt.Sprintf("%s-%d", rec.UserID, rec.Day), rec)
}

func (p *Producer) publish(topic, msgKey string, payload interface{}) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if p.Mock || p.Writer == nil {
		if p.Logger != nil {
			p.Logger.LogKafka("MOCK", topic, string(msgBytes))
		}
		return nil
	}

	err = p.Writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(msgKey),
		Value: msgBytes,
	})
	if err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	if p.Logger != nil {
		p.Logger.LogKafka("PUBLISH", topic, msgKey)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.Writer != nil {
		return p.Writer.Close()
	}
	return nil
}
