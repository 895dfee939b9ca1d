package preflight

// SetStatfsForTests overrides the filesystem probe during tests.
func SetStatfsForTests(fn func(string) (uint64, uint64, error)) func() {
	previous := statfsFn
	statfsFn = fn
	return func() {
		statfsFn = previous
	}
}
