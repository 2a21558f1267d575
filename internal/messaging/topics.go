package messaging

// Topic constants for the miner's outbound event streams
const (
	// TopicEvents carries job and session lifecycle events
	TopicEvents = "miner.events"
	// TopicShares carries found shares and their accept/reject outcomes
	TopicShares = "miner.shares"
	// TopicStats carries periodic stats snapshots
	TopicStats = "miner.stats"
)
