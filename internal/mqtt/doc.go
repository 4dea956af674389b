// Package mqtt forwards colloquy's turn and health events to an MQTT
// broker so that dashboards and home automation can follow chat
// activity without polling the HTTP API.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Every event on
// the bus is published as JSON to <prefix>/events/<source>/<kind>. A
// retained "online" birth message goes to <prefix>/availability on
// every (re-)connect, and a will message flips it to "offline" on
// unexpected disconnects. The running daily token total is published
// retained to <prefix>/stats/tokens_today.
package mqtt
