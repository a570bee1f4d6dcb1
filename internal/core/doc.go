// Package core provides the domain model for surface distance error runs.
//
// # Core Types
//
// PathPair: a discovered input file and the output directory mirroring its location.
// Subject: one mask volume with its output directory and chamfer (distance map) path.
// EvaluationTask: one (chamfer, surface) pairing producing one result file.
// Invoker: the boundary to the external chamfer.sh and volume_object_evaluate programs.
//
// Path derivation is pure: building subjects and tasks never touches the
// filesystem except to enumerate glob matches.
package core
