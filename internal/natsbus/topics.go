package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicWorkflowEvents(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", workflowID)
}

func TopicSlotExecute(slotID string) string {
	return fmt.Sprintf("agent.%s.execute", slotID)
}

func TopicSlotHealth(slotID string) string {
	return fmt.Sprintf("agent.%s.health", slotID)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsWorkflow = "events.workflow.*"
	TopicEventsPool     = "events.pool"
	TopicEventsTrigger  = "events.trigger"
	TopicEventsSecrets  = "events.secrets"
)
