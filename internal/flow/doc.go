// Package flow provides the business boundary for the triage prioritization
// and patient-flow engine. It defines the Service (workflow state machine,
// optimistic concurrency, queue placement, alert emission), the Store
// interface (system of record), the Dispatcher boundary and domain models.
package flow
