package coordinator

import appErrors "sensor-streamer/pkg/errors"

var errPreconditionsNotMet = appErrors.ErrPreconditionFailed
