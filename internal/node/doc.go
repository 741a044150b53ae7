/*
Package node assembles one running module.

Ownership boundary:
  - Service owns the backend, registry, scheduler, and optional OSC bridge
    and MQTT status publisher for one module identity.
  - The scheduler goroutine is the only writer of transport state. The
    admin API reads published snapshots and changes patches through the
    scheduler mailbox.
  - Run supervises every goroutine under one errgroup and returns when
    the context ends or any of them fails.
*/
package node
