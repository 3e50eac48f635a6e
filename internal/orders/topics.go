package orders

const (
	TopicOrderPlaced    = "fulfillment.order.placed"
	TopicOrderConfirmed = "fulfillment.order.confirmed"
	TopicOrderCancelled = "fulfillment.order.cancelled"
	TopicFiscalAlert    = "fulfillment.fiscal.alert"
)

// Partition key = order id so every event of one order keeps its ordering.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
