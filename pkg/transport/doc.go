/*
Package transport defines the narrow publish/subscribe contract between
the agent and the cloud.

The real MQTT-like broker client lives outside this repository; components
here depend only on Sender, Receiver and Connected. InMemoryBroker is the
loopback implementation used by tests and the simulate command, with an
online/offline toggle to exercise retry and persist-on-disconnect paths.
*/
package transport
