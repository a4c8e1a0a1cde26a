/*
Package pipeline moves decoded signal samples from vehicle sources to
consumers.

The shape is multi-producer/single-distributor: sources push into one
bounded ingest queue, and the distributor goroutine fans each sample out to
every registered consumer queue. Producers never block; a full queue drops
the sample and increments a counter so loss is visible. Within a single
producer samples keep arrival order; across producers there is no ordering
guarantee.

Consumer registration is dynamic. Detaching a consumer while samples are
in flight may drop those samples.
*/
package pipeline
