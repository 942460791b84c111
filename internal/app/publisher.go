package app

import (
	"fmt"
	"log/slog"

	"github.com/internhub/trustledger/internal/config"
	"github.com/internhub/trustledger/internal/notify"
)

func BuildPublisher(cfg config.NotifyConfig, logger *slog.Logger) (notify.Publisher, error) {
	switch cfg.Publisher {
	case "", "log":
		return notify.NewLogPublisher(logger), nil
	case "kafka":
		return notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "rabbitmq":
		pub, err := notify.DialRabbit(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported publisher %q", cfg.Publisher)
	}
}
