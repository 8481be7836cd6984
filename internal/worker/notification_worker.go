package worker

import (
	"github.com/spec-kit/conversation-relay/internal/events"
	"github.com/spec-kit/conversation-relay/internal/service"
)

// StartNotificationWorker registers the relay notification handlers and, when
// configured, the Kafka publisher on the dispatcher.
func StartNotificationWorker(dispatcher events.Dispatcher, notificationService *service.NotificationService, publisher *events.KafkaPublisher) {
	if notificationService != nil {
		notificationService.RegisterHandlers()
	}
	if publisher != nil && dispatcher != nil {
		publisher.Register(dispatcher)
	}
}
