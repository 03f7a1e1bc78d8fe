// Package uwb holds the vocabulary shared by the ultra-wideband positioning
// layers: device roles, ranging samples, decoded reports, the error taxonomy
// and the structured events emitted while a report is processed.
//
// Layering: registry, anchorframe, multilat and kalman depend only on this
// package. engine composes them. ingest, api and db sit outside the engine
// and talk to it through Report values and Snapshot reads.
package uwb
