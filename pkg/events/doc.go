// Package events provides an in-memory pub/sub broker used by the
// orchestrator to emit TimestampUpdated/TargetsUpdated/Install* events as
// update iterations run, so a CLI or status endpoint can observe progress
// without polling the store directly.
package events
