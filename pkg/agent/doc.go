/*
Package agent is the composition root of the collection and inspection
core.

It wires the signal pipeline, raw data buffer, decoder dictionary,
campaign manager, inspection engine, custom functions, checkin reporter,
uploader and persistence store together, and owns startup and shutdown
order. Construction failures are fatal (the process exits with code 2);
after startup, document and transport errors are isolated per component.
*/
package agent
