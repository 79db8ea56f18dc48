package ingestion

import "github.com/pkg/errors"

// ErrModelViolation is returned when an internal invariant is broken (the
// finalized cursor regressed, a restored recent segment failed its
// contiguity check, or builder.Grow rejected a block that CanGrow accepted;
// a block failing CanGrow starts recovery instead). Fatal: the leader
// aborts and releases its lease.
var ErrModelViolation = errors.New("ingestion: model violation")

// ErrOfflineReorg is returned when the restored recent segment and the
// provider disagree on the tip's hash at startup. Per the redesign this no
// longer aborts the service — it instead seeds the Recover state so the
// same walk-back path used for live reorgs runs uniformly.
var ErrOfflineReorg = errors.New("ingestion: recent segment disagrees with provider at startup")
