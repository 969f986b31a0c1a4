package treecrypt

// Progress receives notifications while a run processes files. Calls may
// come from several goroutines at once; implementations must be safe for
// concurrent use.
type Progress interface {
	// Start is called once with the number of files and bytes to process
	Start(total int, totalBytes int64)

	// Advance reports n more plaintext bytes processed for relPath
	Advance(relPath string, n int64)

	// Done is called once per file; err is nil on success
	Done(relPath string, err error)
}

type nopProgress struct{}

func (nopProgress) Start(int, int64)      {}
func (nopProgress) Advance(string, int64) {}
func (nopProgress) Done(string, error)    {}
