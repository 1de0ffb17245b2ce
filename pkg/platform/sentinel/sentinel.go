package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Event stores return these
// (optionally wrapped) and the audit services translate them into coded
// domain errors:
//   - ErrNotFound: no record with that id in any tier
//   - ErrConflict: a record with that id already exists (append is insert-only)
//   - ErrUnavailable: the backing store could not accept or serve the request
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
