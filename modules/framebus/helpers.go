package framebus

// CalculateDropRate returns the bus-wide drop rate (0.0 to 1.0).
func CalculateDropRate(stats BusStats) float64 {
	total := stats.TotalSent + stats.TotalDropped
	if total == 0 {
		return 0.0
	}
	return float64(stats.TotalDropped) / float64(total)
}

// CalculateSubscriberDropRate returns the drop rate for one subscriber, 0.0
// when unknown or idle.
func CalculateSubscriberDropRate(stats BusStats, subscriberID string) float64 {
	sub, exists := stats.Subscribers[subscriberID]
	if !exists {
		return 0.0
	}
	total := sub.Sent + sub.Dropped
	if total == 0 {
		return 0.0
	}
	return float64(sub.Dropped) / float64(total)
}
