// Package mqtt bridges engram onto an MQTT broker: retained state
// topics for dashboards, an availability topic with birth and will
// messages, and a remember topic that accepts manual memories.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic and
// re-subscribes to the remember topic. A will message ensures the
// availability topic transitions to "offline" on unexpected
// disconnects. Extraction activity reaches the bridge through the
// internal event bus; each completed run refreshes the retained state
// topics and feeds the daily token accumulator.
package mqtt
