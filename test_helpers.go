package idmlock

import "go-idmlock/idm"

// simulateCrash stops lease renewal of every lock without releasing anything
// on the drives (for testing).
func (s *Session) simulateCrash() {
	s.locks.Range(func(_ idm.LockID, st *lockState) bool {
		if st.renewer != nil {
			st.renewer.stop()
		}
		return true
	})
}
