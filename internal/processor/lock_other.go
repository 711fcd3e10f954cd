//go:build !(linux || darwin || freebsd)

package processor

import "os"

// tryLock only creates the lock file here. Pipeline.hold excludes a
// second runner within the process; other processes are not excluded.
func tryLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return func() { f.Close() }, nil
}
