// Package sim provides the shared vocabulary of the co-simulation engine:
// federation time, typed values, messages, interface handles, closed
// enumerations and the error taxonomy used by every sub-package.
//
// # Reading Guide
//
// Start with these files to understand the data model:
//   - time.go: Time, the epsilon-tolerant comparison helpers and time parsing
//   - value.go: typed values, their wire encoding and cross-type conversion
//   - errors.go: the status codes every mutating operation reports
//
// # Architecture
//
// The sim package only defines types; behaviour lives in sub-packages:
//   - sim/registry/: generation-checked arenas and name-indexed interface tables
//   - sim/store/: publication slots and input value stores
//   - sim/messaging/: endpoint queues, filter operators and the filter chain
//   - sim/timing/: per-federate time coordinators and the grant resolver
//   - sim/core/: the runtime context, cores, brokers and federation routing
//   - sim/federate/: the application-facing federate API and its handles
//   - sim/apps/: ready-made player, recorder and echo federates
//   - sim/trace/: grant and delivery trace recording
//   - sim/metrics/: Prometheus collectors
//
// Control flows from applications through sim/federate into sim/core, whose
// root node runs sim/timing and sim/messaging on a single worker goroutine.
package sim
