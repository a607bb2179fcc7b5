package deploy

import "errors"

// RefuseElevated rejects execution under superuser privileges. The pipeline
// shells out to service and database tooling with the deploy user's rights;
// running the whole tool as root would let a single bad step touch anything
// on the host.
func RefuseElevated(euid int) error {
	if euid == 0 {
		return errors.New("emrctl must not run as root; run it as the deploy user")
	}
	return nil
}
