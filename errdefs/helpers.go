package errdefs

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Cause() error { return e.error }

func (e errNotFound) Unwrap() error { return e.error }

// NotFound creates an ErrNotFound from the given error.
func NotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	return errNotFound{err}
}

type errInvalidParameter struct{ error }

func (errInvalidParameter) InvalidParameter() {}

func (e errInvalidParameter) Cause() error { return e.error }

func (e errInvalidParameter) Unwrap() error { return e.error }

// InvalidParameter creates an ErrInvalidParameter from the given error.
func InvalidParameter(err error) error {
	if err == nil || IsInvalidParameter(err) {
		return err
	}
	return errInvalidParameter{err}
}

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Cause() error { return e.error }

func (e errConflict) Unwrap() error { return e.error }

// Conflict creates an ErrConflict from the given error.
func Conflict(err error) error {
	if err == nil || IsConflict(err) {
		return err
	}
	return errConflict{err}
}

type errUnavailable struct{ error }

func (errUnavailable) Unavailable() {}

func (e errUnavailable) Cause() error { return e.error }

func (e errUnavailable) Unwrap() error { return e.error }

// Unavailable creates an ErrUnavailable from the given error.
func Unavailable(err error) error {
	if err == nil || IsUnavailable(err) {
		return err
	}
	return errUnavailable{err}
}

type errSystem struct{ error }

func (errSystem) System() {}

func (e errSystem) Cause() error { return e.error }

func (e errSystem) Unwrap() error { return e.error }

// System creates an ErrSystem from the given error.
func System(err error) error {
	if err == nil || IsSystem(err) {
		return err
	}
	return errSystem{err}
}

type errDataLoss struct{ error }

func (errDataLoss) DataLoss() {}

func (e errDataLoss) Cause() error { return e.error }

func (e errDataLoss) Unwrap() error { return e.error }

// DataLoss creates an ErrDataLoss from the given error.
func DataLoss(err error) error {
	if err == nil || IsDataLoss(err) {
		return err
	}
	return errDataLoss{err}
}
