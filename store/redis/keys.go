package redis

// Redis key naming conventions for steward data.
// All keys are prefixed with "steward:" to avoid collisions.

const keyPrefix = "steward:"

// graphKey returns the key for a job graph entity: steward:graph:{id}
func graphKey(id string) string { return keyPrefix + "graph:" + id }

// graphIDsKey is the Set tracking all job graph IDs for enumeration.
const graphIDsKey = keyPrefix + "graph_ids"

// eventsChannel is the Pub/Sub channel carrying graph mutation events.
const eventsChannel = keyPrefix + "graph_events"
